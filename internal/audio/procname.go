package audio

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ResolveDisplayName applies the naming tie-break for a session: the
// OS-declared display string when non-empty, else the owning process's
// executable base name, else "PID <pid>".
func ResolveDisplayName(declared string, pid uint32) string {
	if s := strings.TrimSpace(declared); s != "" {
		return s
	}
	if name := processBaseName(pid); name != "" {
		return name
	}
	return fmt.Sprintf("PID %d", pid)
}

func processBaseName(pid uint32) string {
	if pid == 0 {
		return ""
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := proc.Name()
	if err != nil || name == "" {
		return ""
	}
	return filepath.Base(name)
}
