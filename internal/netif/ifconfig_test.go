package netif

import (
	"context"
	"strings"
	"testing"
)

type scriptedRunner struct {
	calls  []string
	output []byte
	err    error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return r.err
}

func (r *scriptedRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return r.output, r.err
}

func TestIfconfigDriver(t *testing.T) {
	runner := &scriptedRunner{output: []byte("em0 vtnet0 lo0\n")}
	driver := &IfconfigDriver{Runner: runner}
	ctx := context.Background()

	names, err := driver.Interfaces(ctx)
	if err != nil {
		t.Fatalf("Interfaces: %v", err)
	}
	if strings.Join(names, ",") != "em0,vtnet0,lo0" {
		t.Fatalf("unexpected interfaces: %v", names)
	}
	if err := driver.Configure(ctx, "atse0", []string{"polling"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := driver.Assign(ctx, "lo0", "127.0.0.1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	want := []string{"ifconfig -l", "ifconfig atse0 polling up", "ifconfig lo0 127.0.0.1 up"}
	if strings.Join(runner.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected commands:\n got %q\nwant %q", runner.calls, want)
	}
}

func TestCommandLeaser(t *testing.T) {
	runner := &scriptedRunner{}
	leaser, err := NewCommandLeaser(runner, `udhcpc -q -s "/usr/share/udhcpc/default.script" -i`)
	if err != nil {
		t.Fatalf("NewCommandLeaser: %v", err)
	}
	if err := leaser.Request(context.Background(), "eth0"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := leaser.Request(context.Background(), "eth1"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if runner.calls[0] != "udhcpc -q -s /usr/share/udhcpc/default.script -i eth0" {
		t.Fatalf("unexpected lease command: %q", runner.calls[0])
	}
	if runner.calls[1] != "udhcpc -q -s /usr/share/udhcpc/default.script -i eth1" {
		t.Fatalf("lease command reused state between calls: %q", runner.calls[1])
	}

	if _, err := NewCommandLeaser(runner, ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNewDriverRejectsUnknownKind(t *testing.T) {
	if _, _, err := NewDriver("carrier-pigeon", "", &scriptedRunner{}, nil); err == nil {
		t.Fatal("expected error")
	}
	driver, closeFn, err := NewDriver("ifconfig", "", &scriptedRunner{}, nil)
	if err != nil {
		t.Fatalf("NewDriver(ifconfig): %v", err)
	}
	defer closeFn()
	if _, ok := driver.(*IfconfigDriver); !ok {
		t.Fatalf("expected ifconfig driver, got %T", driver)
	}
}
