// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package repository fetches and verifies the minisign-signed JSON
// repository index described in spec.md §6.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"opm/internal/signing"
	"opm/pkg/pm"
)

// VersionEntry is one advertised (name, version) candidate from the index.
type VersionEntry struct {
	Version     string   `json:"version"`
	Revision    int      `json:"revision"`
	Arch        string   `json:"arch"`
	BLAKE3      string   `json:"blake3"`
	DownloadURL string   `json:"download_url"`
	MinisigURL  string   `json:"minisig_url"`
	RuntimeDeps []string `json:"dependencies_runtime"`
	BuildDeps   []string `json:"dependencies_build"`
	SBOMSPDX    string   `json:"sbom_spdx,omitempty"`
}

// Index is the parsed repository index: package name -> known versions.
type Index struct {
	Packages map[string][]VersionEntry `json:"packages"`
}

// Client fetches and verifies a repository index over HTTP.
type Client struct {
	httpClient *http.Client
	keystore   *signing.Keystore
}

// NewClient builds a Client verifying fetched indexes against keystore.
func NewClient(keystore *signing.Keystore, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, keystore: keystore}
}

// Fetch downloads indexURL and its sibling ".minisig" signature, verifies
// the signature against the trusted keystore, and parses the JSON body.
func (c *Client) Fetch(ctx context.Context, indexURL string) (*Index, error) {
	body, err := c.get(ctx, indexURL)
	if err != nil {
		return nil, err
	}
	sigBytes, err := c.get(ctx, indexURL+".minisig")
	if err != nil {
		return nil, pm.NewError(pm.SigningError, "index_signature_fetch", err)
	}

	if err := c.keystore.Verify(body, string(sigBytes)); err != nil {
		return nil, err
	}

	var idx Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, pm.NewError(pm.PackageError, "index_parse", fmt.Errorf("parse repository index: %w", err))
	}
	return &idx, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pm.NewError(pm.NetworkError, "request_build", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pm.ErrNetworkTimeout(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500
		return nil, pm.NewError(pm.NetworkError, "status", fmt.Errorf("GET %s: %s", url, resp.Status)).
			WithRetryable(retryable)
	}
	return io.ReadAll(resp.Body)
}
