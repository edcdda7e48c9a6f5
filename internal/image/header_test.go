package image

import (
	"testing"
)

func validImage(project, version string) []byte {
	buf := make([]byte, MinHeaderLen)
	if err := WriteHeader(buf, project, version); err != nil {
		panic(err)
	}
	return buf
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		verify  func(t *testing.T, h *Header)
	}{
		{
			name: "valid image",
			data: validImage("iaq-monitor", "1.4.2"),
			verify: func(t *testing.T, h *Header) {
				if h.ProjectName != "iaq-monitor" {
					t.Errorf("project = %q, want %q", h.ProjectName, "iaq-monitor")
				}
				if h.Version != "1.4.2" {
					t.Errorf("version = %q, want %q", h.Version, "1.4.2")
				}
			},
		},
		{
			name:    "prefix too short",
			data:    make([]byte, MinHeaderLen-1),
			wantErr: true,
		},
		{
			name: "bad image magic",
			data: func() []byte {
				d := validImage("iaq-monitor", "1.0.0")
				d[0] = 0xFF
				return d
			}(),
			wantErr: true,
		},
		{
			name: "bad descriptor magic",
			data: func() []byte {
				d := validImage("iaq-monitor", "1.0.0")
				d[DescOffset] = 0x00
				return d
			}(),
			wantErr: true,
		},
		{
			name: "empty fields",
			data: validImage("", ""),
			verify: func(t *testing.T, h *Header) {
				if h.ProjectName != "" {
					t.Errorf("project = %q, want empty", h.ProjectName)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseHeader(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.verify != nil {
				tt.verify(t, h)
			}
		})
	}
}

func TestWriteHeaderRejectsOversizedFields(t *testing.T) {
	buf := make([]byte, MinHeaderLen)
	long := make([]byte, fieldLen)
	for i := range long {
		long[i] = 'x'
	}

	if err := WriteHeader(buf, string(long), "1.0.0"); err == nil {
		t.Error("expected error for oversized project name")
	}
	if err := WriteHeader(buf, "iaq-monitor", string(long)); err == nil {
		t.Error("expected error for oversized version")
	}
	if err := WriteHeader(make([]byte, 16), "iaq-monitor", "1.0.0"); err == nil {
		t.Error("expected error for short buffer")
	}
}
