//go:build unix

package sandbox

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assertProcessGroup(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	assert.True(t, cmd.SysProcAttr.Setpgid)
}
