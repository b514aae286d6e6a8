// Package api - API-Methoden des Clients.
// Dieses Modul enthaelt alle Methoden, die eine Route des Servers aufrufen.

package api

import (
	"context"
	"net/http"
)

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodHead, "/", nil, nil); err != nil {
		return err
	}
	return nil
}

// Version returns the sfast server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version struct {
		Version string `json:"version"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}

	return version.Version, nil
}

// Device describes the device and math library the server runs on.
func (c *Client) Device(ctx context.Context) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := c.do(ctx, http.MethodGet, "/api/device", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Patterns lists the registered fusion patterns in match order.
func (c *Client) Patterns(ctx context.Context) (*PatternsResponse, error) {
	var resp PatternsResponse
	if err := c.do(ctx, http.MethodGet, "/api/patterns", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FusedConv2D runs a fused convolution with bias and activation.
func (c *Client) FusedConv2D(ctx context.Context, req *Conv2DRequest) (*OpResponse, error) {
	var resp OpResponse
	if err := c.do(ctx, http.MethodPost, "/api/fused/conv2d", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FusedGEMM runs a fused (batched) matrix multiply with bias and activation.
func (c *Client) FusedGEMM(ctx context.Context, req *GEMMRequest) (*OpResponse, error) {
	var resp OpResponse
	if err := c.do(ctx, http.MethodPost, "/api/fused/gemm", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FusedQLinear runs a fused quantized linear layer.
func (c *Client) FusedQLinear(ctx context.Context, req *QLinearRequest) (*OpResponse, error) {
	var resp OpResponse
	if err := c.do(ctx, http.MethodPost, "/api/fused/qlinear", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Optimize captures a registered model or decodes an encoded graph and
// rewrites it with the fusion patterns.
func (c *Client) Optimize(ctx context.Context, req *OptimizeRequest) (*OptimizeResponse, error) {
	var resp OptimizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/graph/optimize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
