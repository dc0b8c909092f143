package ksafe

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

// securityCheck names one construction-time device-posture probe and
// its configured action.
type securityCheck struct {
	name   string
	action PolicyAction
	probe  func() bool
}

// runSecurityPolicy runs every configured check in order. A satisfied
// ActionBlock check fails construction immediately with
// KindSecurityViolation; a satisfied ActionWarn check invokes
// policy.OnViolation (if set) and continues.
func runSecurityPolicy(policy SecurityPolicy) error {
	checks := []securityCheck{
		{"rooted_device", policy.RootedDevice, probeRootedDevice},
		{"debugger_attached", policy.DebuggerAttached, probeDebuggerAttached},
		{"debug_build", policy.DebugBuild, probeDebugBuild},
		{"emulator", policy.Emulator, probeEmulator},
	}

	for _, c := range checks {
		if c.action == ActionIgnore {
			continue
		}
		if !c.probe() {
			continue
		}
		if c.action == ActionBlock {
			return newError(KindSecurityViolation, fmt.Sprintf("security policy %q blocked construction", c.name), nil)
		}
		if policy.OnViolation != nil {
			policy.OnViolation(c.name)
		}
	}
	return nil
}

// probeRootedDevice is a desktop/server-process stand-in: mobile
// clients supply their own jailbreak/root detector through a platform
// shim; absent one, the check never fires. A var, not a func, so
// tests can stub it without a platform shim of their own.
var probeRootedDevice = func() bool {
	return false
}

// probeDebuggerAttached reports whether a debugger appears attached
// to the current process. Linux-specific heuristic (TracerPid in
// /proc/self/status); reports false, never an error, on platforms
// without /proc.
var probeDebuggerAttached = func() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	const marker = "TracerPid:"
	for i := 0; i+len(marker) <= len(data); i++ {
		if string(data[i:i+len(marker)]) != marker {
			continue
		}
		rest := data[i+len(marker):]
		for _, b := range rest {
			if b == '\n' {
				break
			}
			if b != '\t' && b != ' ' && b != '0' {
				return true
			}
		}
		return false
	}
	return false
}

// probeDebugBuild reports whether the running binary was built
// without optimizations/inlining stripped (go build -gcflags=all=-N -l),
// a reasonable proxy for "debug build" in the absence of a
// platform-supplied release/debug flag.
var probeDebugBuild = func() bool {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return false
	}
	for _, setting := range info.Settings {
		if setting.Key == "-gcflags" && strings.Contains(setting.Value, "-N") {
			return true
		}
	}
	return false
}

// probeEmulator is a platform-shim hook: this module ships no
// OS-specific emulator heuristic, so it never fires on its own.
var probeEmulator = func() bool {
	return false
}
