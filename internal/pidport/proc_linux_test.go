//go:build linux

package pidport

import "testing"

func TestParseProcNetLine(t *testing.T) {
	line := "0: 0100007F:0035 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0"
	row, err := parseProcNetLine(line, ProtoUDP)
	if err != nil {
		t.Fatal(err)
	}
	if row.proto != ProtoUDP {
		t.Errorf("proto = %d, want %d", row.proto, ProtoUDP)
	}
	if row.port != 0x35 {
		t.Errorf("port = %d, want 53", row.port)
	}
	if row.inode != 12345 {
		t.Errorf("inode = %d, want 12345", row.inode)
	}
}

func TestParseProcNetLineErrors(t *testing.T) {
	cases := []string{
		"",
		"0: 0100007F:0035", // too few fields
		"0: bogus 00000000:0000 0A 0 0 0 0 0 12345",       // unsplittable address
		"0: 0100007F:zz 00000000:0000 0A 0 0 0 0 0 12345", // bad port hex
	}
	for _, line := range cases {
		if _, err := parseProcNetLine(line, ProtoTCP); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}
