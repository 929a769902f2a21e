//go:build forksrv_custom_hook

package main

// Custom-function interposition (spec.md §4.1 item 2): hook an arbitrary,
// caller-named function instead of __libc_start_main. This is the fallback
// for statically linked binaries or ones that never call
// __libc_start_main directly, where entry interposition (hook_entry.go)
// has nothing to attach to. Selected at build time with:
//
//	CGO_CFLAGS="-DFORKSRV_CUSTOM_HOOK_NAME=my_init_fn -DFORKSRV_RUN_BEFORE_HOOK=1" \
//	go build -tags forksrv_custom_hook \
//	    -gcflags=... \
//	    -buildmode=c-shared ./cmd/forksrv-interpose
//
// FORKSRV_CUSTOM_HOOK_NAME names the function to hook; there is no sane
// default, so the build fails without one (see the #error below).
// FORKSRV_RUN_BEFORE_HOOK, if defined, runs forkserver.Init before calling
// through to the real hooked function rather than after; the original
// instrumentation library offers the same choice via its
// RUN_BEFORE_CUSTOM_FUNCTION switch.

/*
#define _GNU_SOURCE
#include <dlfcn.h>

#ifndef FORKSRV_CUSTOM_HOOK_NAME
#error "forksrv_custom_hook requires -DFORKSRV_CUSTOM_HOOK_NAME=<symbol> in CGO_CFLAGS"
#endif

#define FORKSRV_STRINGIFY_INNER(s) #s
#define FORKSRV_STRINGIFY(s) FORKSRV_STRINGIFY_INNER(s)

typedef void * (*hooked_fn_t)(void *, void *, void *, void *, void *, void *, void *, void *);

static hooked_fn_t orig_hooked_fn = NULL;

extern void goForkserverInit(void);

void * FORKSRV_CUSTOM_HOOK_NAME(void *a0, void *a1, void *a2, void *a3,
                                 void *a4, void *a5, void *a6, void *a7) {
    if (orig_hooked_fn == NULL) {
        orig_hooked_fn = (hooked_fn_t)dlsym(RTLD_NEXT, FORKSRV_STRINGIFY(FORKSRV_CUSTOM_HOOK_NAME));
    }

#ifdef FORKSRV_RUN_BEFORE_HOOK
    goForkserverInit();
    return orig_hooked_fn(a0, a1, a2, a3, a4, a5, a6, a7);
#else
    void *ret = orig_hooked_fn(a0, a1, a2, a3, a4, a5, a6, a7);
    goForkserverInit();
    return ret;
#endif
}
*/
import "C"
