package auth

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+15551234567", "+15551234567", false},
		{"1 (555) 123-4567", "+15551234567", false},
		{"  +998 90 123.45.67 ", "+998901234567", false},
		{"", "", true},
		{"+", "", true},
		{"123456", "", true},
		{"1234567890123456", "", true},
		{"+1555abc4567", "", true},
		{"++15551234567", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12345", "12345", false},
		{"1 2 3 4 5", "12345", false},
		{"12-345", "12345", false},
		{"code: 777", "777", false},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeCode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeCode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
