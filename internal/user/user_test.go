package user

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{name: "plain", input: "123456", want: 123456},
		{name: "surrounding space", input: "  42 ", want: 42},
		{name: "zero", input: "0", wantErr: true},
		{name: "negative", input: "-7", wantErr: true},
		{name: "letters", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIDString(t *testing.T) {
	if got := ID(987).String(); got != "987" {
		t.Errorf("String() = %q, want %q", got, "987")
	}
	if ID(0).Valid() {
		t.Error("ID(0).Valid() = true, want false")
	}
}
