// Package main provides FFI exports for mobile platforms (Android/iOS).
// All exported functions use C calling convention and can be called from Dart FFI.
// Every call returns a JSON envelope {"data":...} or {"error":{"code","message"}}
// that must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"unsafe"
)

var core bridge

//export SyncInit
func SyncInit(configJSON *C.char) *C.char {
	err := core.open(context.Background(), C.GoString(configJSON))
	return C.CString(encode(map[string]bool{"ok": err == nil}, err))
}

//export SyncShutdown
func SyncShutdown() {
	core.close()
}

//export EntityCreate
func EntityCreate(kind, entityJSON *C.char) *C.char {
	return C.CString(encode(core.create(context.Background(), C.GoString(kind), C.GoString(entityJSON))))
}

//export EntityUpdate
func EntityUpdate(kind, id, patchJSON *C.char) *C.char {
	return C.CString(encode(core.update(context.Background(), C.GoString(kind), C.GoString(id), C.GoString(patchJSON))))
}

//export EntityDelete
func EntityDelete(kind, id *C.char) *C.char {
	return C.CString(encode(core.remove(context.Background(), C.GoString(kind), C.GoString(id))))
}

//export EntityList
func EntityList(kind, filterJSON *C.char) *C.char {
	return C.CString(encode(core.list(context.Background(), C.GoString(kind), C.GoString(filterJSON))))
}

//export SyncStatus
func SyncStatus() *C.char {
	return C.CString(encode(core.status(context.Background())))
}

//export SyncNow
func SyncNow() *C.char {
	return C.CString(encode(core.syncNow(context.Background())))
}

//export ConnectivityChanged
func ConnectivityChanged(online C.int) *C.char {
	err := core.setOnline(online != 0)
	return C.CString(encode(map[string]bool{"online": online != 0}, err))
}

//export PollEvents
func PollEvents() *C.char {
	return C.CString(encode(core.pollEvents(), nil))
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
