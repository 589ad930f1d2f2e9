package discovery

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlink-protocol/tlink-go/pkg/version"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

func TestEncodeServerTXT(t *testing.T) {
	info := &ServerInfo{
		Path:        "/echo",
		Boxes:       []wire.BoxKind{wire.BoxAESGCM, wire.BoxChaCha20Poly1305},
		Secure:      true,
		Fingerprint: "0123456789abcdef",
		Name:        "Lab Server",
	}

	txt := EncodeServerTXT(info)
	assert.Equal(t, version.Current, txt[TXTKeyVersion])
	assert.Equal(t, "1", txt[TXTKeySecure])
	assert.Equal(t, "/echo", txt[TXTKeyPath])
	assert.Equal(t, "aes-gcm,chacha20-poly1305", txt[TXTKeyBoxes])
	assert.Equal(t, "0123456789abcdef", txt[TXTKeyFingerprint])
	assert.Equal(t, "Lab Server", txt[TXTKeyName])

	decoded, err := DecodeServerTXT(StringsToTXTRecords(TXTRecordsToStrings(txt)))
	require.NoError(t, err)
	assert.Equal(t, info.Path, decoded.Path)
	assert.Equal(t, info.Boxes, decoded.Boxes)
	assert.True(t, decoded.Secure)
	assert.Equal(t, info.Fingerprint, decoded.Fingerprint)
	assert.Equal(t, info.Name, decoded.Name)
}

func TestEncodeServerTXTMinimal(t *testing.T) {
	txt := EncodeServerTXT(&ServerInfo{})
	assert.Len(t, txt, 2)
	assert.Equal(t, "0", txt[TXTKeySecure])

	decoded, err := DecodeServerTXT(txt)
	require.NoError(t, err)
	assert.False(t, decoded.Secure)
	assert.Empty(t, decoded.Boxes)
}

func TestDecodeServerTXTErrors(t *testing.T) {
	tests := []struct {
		name string
		txt  TXTRecordMap
		want error
	}{
		{"missing version", TXTRecordMap{TXTKeySecure: "1"}, ErrMissingRequired},
		{"bad version", TXTRecordMap{TXTKeyVersion: "one"}, ErrInvalidTXTRecord},
		{"bad tls", TXTRecordMap{TXTKeyVersion: "1.0", TXTKeySecure: "yes"}, ErrInvalidTXTRecord},
		{"bad fingerprint", TXTRecordMap{TXTKeyVersion: "1.0", TXTKeyFingerprint: "XYZ"}, ErrInvalidTXTRecord},
		{"bad box", TXTRecordMap{TXTKeyVersion: "1.0", TXTKeyBoxes: "aes-gcm,rot13"}, ErrInvalidTXTRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServerTXT(tt.txt)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"ver=1.0", "flag", "", "path=/a=b"})
	assert.Equal(t, TXTRecordMap{"ver": "1.0", "flag": "", "path": "/a=b"}, txt)
}

func TestTXTRecordsToStringsSorted(t *testing.T) {
	strs := TXTRecordsToStrings(TXTRecordMap{"ver": "1.0", "DN": "x", "box": "aes-gcm"})
	assert.Equal(t, []string{"DN=x", "box=aes-gcm", "ver=1.0"}, strs)
}

func TestValidateInstanceName(t *testing.T) {
	assert.NoError(t, ValidateInstanceName("kitchen"))
	assert.ErrorIs(t, ValidateInstanceName(""), ErrInstanceNameTooLong)

	long := make([]byte, MaxInstanceNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateInstanceName(string(long)), ErrInstanceNameTooLong)
	assert.NoError(t, ValidateInstanceName(string(long[:MaxInstanceNameLen])))
}

func TestFingerprint(t *testing.T) {
	fp := FingerprintFromDER([]byte("certificate"))
	assert.Len(t, fp, FingerprintLength)
	assert.True(t, ValidateFingerprint(fp))
	assert.Equal(t, fp, FingerprintFromCertificate(&x509.Certificate{Raw: []byte("certificate")}))
	assert.NotEqual(t, fp, FingerprintFromDER([]byte("other")))

	assert.False(t, ValidateFingerprint("0123456789ABCDEF"))
	assert.False(t, ValidateFingerprint("0123"))
}

func TestServiceEntryToService(t *testing.T) {
	entry := &ServiceEntry{
		Instance: "lab",
		Host:     "lab-host.local.",
		Port:     9000,
		Text:     []string{"ver=1.0", "tls=1", "box=chacha20-poly1305"},
		Addrs:    []string{"192.168.1.10"},
	}
	svc, err := entry.ToService()
	require.NoError(t, err)
	assert.Equal(t, "lab-host.local", svc.Host)
	assert.Equal(t, "lab-host.local", svc.Target())
	assert.Equal(t, uint16(9000), svc.Info.Port)
	assert.Equal(t, "lab", svc.Info.InstanceName)
	assert.Equal(t, []wire.BoxKind{wire.BoxChaCha20Poly1305}, svc.Info.Boxes)

	entry.Text = []string{"tls=1"}
	_, err = entry.ToService()
	assert.ErrorIs(t, err, ErrMissingRequired)
}

func TestAddressAggregation(t *testing.T) {
	addrs := mergeAddresses([]string{"10.0.0.1"}, []string{"10.0.0.1", "fe80::1"})
	assert.Equal(t, []string{"10.0.0.1", "fe80::1"}, addrs)

	addrs = removeAddresses(addrs, []string{"10.0.0.1"})
	assert.Equal(t, []string{"fe80::1"}, addrs)
}
