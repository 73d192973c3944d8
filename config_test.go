package redshirt_test

import (
	"reflect"
	"testing"

	"github.com/tomaka/redshirt"
	"github.com/tomaka/redshirt/id"
	"github.com/tomaka/redshirt/ifreg"
)

func TestConfig(t *testing.T) {
	t.Run("Clone", testConfigClone)
	t.Run("MaxPendingPerProcessOrDefault", testConfigMaxPendingPerProcessOrDefault)
}

func testConfigClone(t *testing.T) {
	t.Run("Config is nil", testConfigCloneNil)
	t.Run("Config is valid", testConfigCloneNonNil)
}

func testConfigCloneNil(t *testing.T) {
	var c *redshirt.Config
	if cloned := c.Clone(); cloned != nil {
		t.Errorf("Clone() = %v, want nil", cloned)
	}
}

func testConfigCloneNonNil(t *testing.T) {
	handler := func(source id.Pid, body []byte) ([]byte, bool) { return body, true }
	c := &redshirt.Config{
		MaxProcesses:         4,
		MaxPendingPerProcess: 64,
		RNGSeed:              7,
		KernelHandlers:       map[id.IfHash]ifreg.KernelHandler{{1}: handler},
	}

	cloned := c.Clone()
	if cloned.MaxProcesses != c.MaxProcesses ||
		cloned.MaxPendingPerProcess != c.MaxPendingPerProcess ||
		cloned.RNGSeed != c.RNGSeed {
		t.Errorf("Clone() = %+v, want a copy of %+v", cloned, c)
	}
	if !reflect.DeepEqual(keysOf(cloned.KernelHandlers), keysOf(c.KernelHandlers)) {
		t.Errorf("Clone() did not preserve KernelHandlers keys")
	}
}

func keysOf(m map[id.IfHash]ifreg.KernelHandler) []id.IfHash {
	var out []id.IfHash
	for k := range m {
		out = append(out, k)
	}
	return out
}

func testConfigMaxPendingPerProcessOrDefault(t *testing.T) {
	var c redshirt.Config
	if got := c.MaxPendingPerProcessOrDefault(); got != redshirt.DefaultMaxPendingPerProcess {
		t.Errorf("MaxPendingPerProcessOrDefault() = %d, want %d", got, redshirt.DefaultMaxPendingPerProcess)
	}

	c.MaxPendingPerProcess = 12
	if got := c.MaxPendingPerProcessOrDefault(); got != 12 {
		t.Errorf("MaxPendingPerProcessOrDefault() = %d, want 12", got)
	}
}
