//go:build windows

package scanner

func fdSoftLimit() int {
	return 0
}
