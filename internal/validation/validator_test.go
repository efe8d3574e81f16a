package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keys struct {
	DevAddr string `validate:"required,hex,len=8"`
	NwkSKey string `validate:"required,hex,len=32"`
}

type request struct {
	FPort   int    `validate:"min=1,max=223"`
	Data    []byte `validate:"max=4"`
	Backend string `validate:"oneof=file postgres"`
	Keys    keys
	hidden  string `validate:"required"`
}

func validRequest() request {
	return request{
		FPort:   10,
		Data:    []byte{1, 2},
		Backend: "file",
		Keys:    keys{DevAddr: "26011bda", NwkSKey: "000102030405060708090a0b0c0d0e0f"},
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate(validRequest()))

	tests := []struct {
		name   string
		mutate func(*request)
		field  string
		rule   string
	}{
		{"port too high", func(r *request) { r.FPort = 224 }, "FPort", "max"},
		{"port negative", func(r *request) { r.FPort = -1 }, "FPort", "min"},
		{"data too long", func(r *request) { r.Data = make([]byte, 5) }, "Data", "max"},
		{"unknown backend", func(r *request) { r.Backend = "redis" }, "Backend", "oneof"},
		{"missing key", func(r *request) { r.Keys.NwkSKey = "" }, "Keys.NwkSKey", "required"},
		{"short key", func(r *request) { r.Keys.NwkSKey = "0001" }, "Keys.NwkSKey", "len"},
		{"not hex", func(r *request) { r.Keys.DevAddr = "zz011bda" }, "Keys.DevAddr", "hex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)

			err := v.Validate(&r)
			require.ErrorIs(t, err, ErrInvalid)
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
			assert.Equal(t, tt.rule, fe.Rule)
		})
	}
}

func TestValidateOptionalFields(t *testing.T) {
	r := validRequest()
	r.FPort = 0
	r.Backend = ""
	r.Data = nil
	assert.NoError(t, NewValidator().Validate(r))
}

func TestValidateRejectsNonStruct(t *testing.T) {
	v := NewValidator()
	assert.ErrorIs(t, v.Validate(42), ErrInvalid)
	assert.ErrorIs(t, v.Validate((*request)(nil)), ErrInvalid)
}
