package main

import (
	"bytes"
	"testing"

	"github.com/nzkv/pado/blocks"
)

func TestDecodeCiphertext(t *testing.T) {
	tests := []struct {
		name    string
		args    arguments
		want    []byte
		wantEnc blocks.Encoding
		wantErr bool
	}{
		{
			name:    "auto detects hex",
			args:    arguments{Decrypt: "deadbeef", Encoding: "auto"},
			want:    []byte{0xde, 0xad, 0xbe, 0xef},
			wantEnc: blocks.EncodingHex,
		},
		{
			name:    "auto detects base64",
			args:    arguments{Decrypt: "3q2+7w==", Encoding: "auto"},
			want:    []byte{0xde, 0xad, 0xbe, 0xef},
			wantEnc: blocks.EncodingBase64,
		},
		{
			name:    "URL-encoded base64 is unescaped first",
			args:    arguments{Decrypt: "3q2%2B7w%3D%3D", Encoding: "auto"},
			want:    []byte{0xde, 0xad, 0xbe, 0xef},
			wantEnc: blocks.EncodingBase64,
		},
		{
			name:    "explicit encoding",
			args:    arguments{Decrypt: "3q2-7w==", Encoding: "base64url"},
			want:    []byte{0xde, 0xad, 0xbe, 0xef},
			wantEnc: blocks.EncodingBase64URL,
		},
		{
			name:    "garbage input",
			args:    arguments{Decrypt: "!!!", Encoding: "auto"},
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			enc, raw, err := decodeCiphertext(test.args)
			if test.wantErr {
				if err == nil {
					t.Error("decodeCiphertext() succeeded on garbage")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeCiphertext() error: %v", err)
			}
			if enc != test.wantEnc {
				t.Errorf("encoding = %v, want %v", enc, test.wantEnc)
			}
			if !bytes.Equal(raw, test.want) {
				t.Errorf("raw = %x, want %x", raw, test.want)
			}
		})
	}
}
