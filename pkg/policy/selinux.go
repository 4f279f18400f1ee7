package policy

import (
	"os"
	"os/exec"
	"strings"
)

// probeSELinux reports whether the host enforces SELinux, in which
// case bind mounts need a :Z relabel to be readable in the container.
func probeSELinux() bool {
	if data, err := os.ReadFile("/sys/fs/selinux/enforce"); err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	out, err := exec.Command("getenforce").Output()
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(string(out)), "Enforcing")
}
