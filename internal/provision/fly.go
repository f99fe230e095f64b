package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pasturegame/pasture/internal/domain"
)

const flyAPIBase = "https://api.machines.dev/v1"

// FlyConfig is everything templated into a provisioned machine.
type FlyConfig struct {
	Token string
	App   string
	Image string
	// PrimaryWSURL is injected into the machine environment so the shard
	// process knows where to register.
	PrimaryWSURL string
}

// flyProvider talks to the Fly Machines REST API. No SDK: the surface used
// here is three endpoints plus the region list.
type flyProvider struct {
	cfg     FlyConfig
	baseURL string
	client  *http.Client
}

func NewFlyProvider(cfg FlyConfig) Provider {
	return &flyProvider{
		cfg:     cfg,
		baseURL: flyAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type flyMachine struct {
	ID        string `json:"id"`
	Region    string `json:"region"`
	State     string `json:"state"`
	PrivateIP string `json:"private_ip"`
}

func (m *flyMachine) toMachine() *Machine {
	return &Machine{
		ID:        domain.MachineID(m.ID),
		Region:    domain.Region(m.Region),
		State:     MachineState(m.State),
		PrivateIP: m.PrivateIP,
	}
}

func (f *flyProvider) CreateMachine(ctx context.Context, region domain.Region) (*Machine, error) {
	body := map[string]any{
		"region": string(region),
		"config": map[string]any{
			"image": f.cfg.Image,
			"env": map[string]string{
				"PASTURE_PRIMARY_URL": f.cfg.PrimaryWSURL,
				"PASTURE_PORT":        "8081",
			},
			"services": []map[string]any{{
				"protocol":      "tcp",
				"internal_port": 8081,
				"ports": []map[string]any{
					{"port": 443, "handlers": []string{"tls", "http"}},
				},
			}},
			"auto_destroy": true,
		},
	}
	var out flyMachine
	if err := f.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/machines", f.cfg.App), body, &out); err != nil {
		return nil, fmt.Errorf("create machine in %s: %w", region, err)
	}
	return out.toMachine(), nil
}

func (f *flyProvider) MachineStatus(ctx context.Context, id domain.MachineID) (*Machine, error) {
	var out flyMachine
	if err := f.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s/machines/%s", f.cfg.App, id), nil, &out); err != nil {
		return nil, fmt.Errorf("machine status %s: %w", id, err)
	}
	return out.toMachine(), nil
}

func (f *flyProvider) DestroyMachine(ctx context.Context, id domain.MachineID) error {
	if err := f.do(ctx, http.MethodDelete, fmt.Sprintf("/apps/%s/machines/%s?force=true", f.cfg.App, id), nil, nil); err != nil {
		return fmt.Errorf("destroy machine %s: %w", id, err)
	}
	return nil
}

func (f *flyProvider) Regions(ctx context.Context) ([]domain.Region, error) {
	var out struct {
		Regions []struct {
			Code string `json:"code"`
		} `json:"regions"`
	}
	if err := f.do(ctx, http.MethodGet, "/platform/regions", nil, &out); err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	regions := make([]domain.Region, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, domain.Region(r.Code))
	}
	return regions, nil
}

func (f *flyProvider) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fly api %s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
