package provider

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// ErrMisaligned is returned when a denoised payload is not whole float32 samples.
var ErrMisaligned = errors.New("noise response not aligned to float32")

// NoiseCanceller calls the noise suppression sidecar.
type NoiseCanceller struct {
	url    string
	client *http.Client
}

// NewNoiseCanceller creates a client for the /denoise sidecar.
func NewNoiseCanceller(url string) *NoiseCanceller {
	return &NoiseCanceller{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Denoise sends float32 samples to the sidecar and returns denoised samples.
func (c *NoiseCanceller) Denoise(ctx context.Context, samples []float32) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/denoise", bytes.NewReader(encodeFloat32(samples)))
	if err != nil {
		return nil, fmt.Errorf("create noise request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := doRequest(c.client, req, "noise", "noise")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("noise read: %w", err)
	}
	return decodeFloat32(data)
}

func encodeFloat32(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func decodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, ErrMisaligned
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
