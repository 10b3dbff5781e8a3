//go:build !unix

package cmds

func block() {
	blockSleep()
}
