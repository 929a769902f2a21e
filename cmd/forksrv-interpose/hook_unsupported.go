//go:build !linux && !forksrv_custom_hook

package main

// Neither interposition strategy applies here: hook_entry.go only builds on
// Linux (it hooks glibc's __libc_start_main, which has no equivalent on
// other platforms in this module), and hook_custom.go only builds with the
// forksrv_custom_hook tag plus a named target function. Per spec.md §9
// ("the reimplementation should expose both strategies behind a capability
// flag and refuse to build if neither is available"), this fails the build
// with an explicit message rather than silently producing a library that
// never calls forkserver.Init.

/*
#error "forksrv-interpose: no interposition strategy available for this target; build with -tags forksrv_custom_hook and -DFORKSRV_CUSTOM_HOOK_NAME=<symbol>, or target linux for entry interposition"
*/
import "C"
