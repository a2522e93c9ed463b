package stdlib

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/katrho/regvm/internal/vm"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestPrintlnI64WritesDecimalValue(t *testing.T) {
	var buf bytes.Buffer
	native := PrintlnI64(&buf)

	frame := make([]byte, 8)
	value := int64(-7)
	binary.LittleEndian.PutUint64(frame, uint64(value))

	var registers [64]uint64
	err := native(&registers, frame)

	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, buf.String() == "-7\n", "unexpected output %q", buf.String())
	assert(t, registers[vm.RegRet] == 0, "expected status 0 in the return register, got %d", registers[vm.RegRet])
}

func TestPrintlnI64RejectsShortFrame(t *testing.T) {
	native := PrintlnI64(&bytes.Buffer{})
	var registers [64]uint64
	err := native(&registers, []byte{1, 2, 3})
	assert(t, err != nil, "expected an error for a frame shorter than one i64")
}
