//go:build llama

package manager

// Link against libllama from ./lib at build time and resolve it next to the
// binary at run time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -Wl,-rpath,'$ORIGIN/../lib' -L${SRCDIR}/../../lib -lllama
*/
import "C"
