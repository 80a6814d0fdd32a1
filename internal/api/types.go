package api

import "github.com/samcharles93/blockquant/internal/kernel"

// QuantizeRequest carries B as [batch][m][n] and C as [n][n].
type QuantizeRequest struct {
	SeqLen int           `json:"seq_len"`
	B      [][][]float32 `json:"b"`
	C      [][]float32   `json:"c"`
	// Values asks for the unpacked signed 4-bit values alongside the bytes.
	Values bool `json:"values,omitempty"`
}

type QuantizeResponse struct {
	ID      string    `json:"id"`
	Object  string    `json:"object"`
	Created int64     `json:"created_at"`
	Mode    string    `json:"mode"`
	Shape   [3]int    `json:"shape"`
	Scales  []float32 `json:"scales"`
	// Packed is (batch, m, n/2) bytes, base64 encoded.
	Packed []byte     `json:"packed"`
	Values [][][]int8 `json:"values,omitempty"`
}

type TuningEntry struct {
	Batch     int           `json:"batch"`
	M         int           `json:"m"`
	N         int           `json:"n"`
	Config    kernel.Config `json:"config"`
	ElapsedNS int64         `json:"elapsed_ns"`
}

type TuningList struct {
	Object  string        `json:"object"`
	Enabled bool          `json:"enabled"`
	Data    []TuningEntry `json:"data"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
