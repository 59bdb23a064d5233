package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// MarshalString is used for metadata columns stored as TEXT.
func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

func UnmarshalString(data string, v any) error {
	return defaultConfig.UnmarshalFromString(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}
