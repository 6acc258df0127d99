//go:build !linux

package netmon

func platformSource() source { return staticSource{} }
