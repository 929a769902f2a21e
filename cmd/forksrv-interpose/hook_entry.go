//go:build linux && !forksrv_custom_hook

package main

// Entry interposition (spec.md §4.1 item 1): hook the glibc startup
// trampoline __libc_start_main, substitute a shim for the real user main,
// and run forkserver.Init from that shim before tail-calling the real one.
// This is the default strategy because it works for almost any dynamically
// linked Linux binary without needing to name a target-specific symbol —
// the C runtime calls __libc_start_main itself, so nothing in the target
// needs to cooperate.

/*
#define _GNU_SOURCE
#include <dlfcn.h>

typedef int (*main_fn_t)(int, char **, char **);
typedef int (*libc_start_main_t)(main_fn_t, int, char **, void (*)(void), void (*)(void), void (*)(void), void *);

static libc_start_main_t orig_libc_start_main = NULL;
static main_fn_t orig_main = NULL;

extern void goForkserverInit(void);

static int forksrv_fake_main(int argc, char **argv, char **envp) {
    goForkserverInit();
    return orig_main(argc, argv, envp);
}

int __libc_start_main(main_fn_t main, int argc, char **argv,
                       void (*init)(void), void (*fini)(void),
                       void (*rtld_fini)(void), void *stack_end) {
    if (orig_libc_start_main == NULL) {
        orig_libc_start_main = (libc_start_main_t)dlsym(RTLD_NEXT, "__libc_start_main");
    }

    orig_main = main;
    return orig_libc_start_main(forksrv_fake_main, argc, argv, init, fini, rtld_fini, stack_end);
}
*/
import "C"
