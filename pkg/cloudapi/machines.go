package cloudapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Image is an entry in the provider's image catalog.
type Image struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	OS          string    `json:"os"`
	PublishedAt time.Time `json:"published_at"`
}

// Machine is the provider's view of a compute instance.
type Machine struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	State     string            `json:"state"`
	Package   string            `json:"package"`
	PrimaryIP string            `json:"primaryIp"`
	IPs       []string          `json:"ips"`
	Tags      map[string]string `json:"tags"`
}

// ListImages returns all catalog images matching the given name.
func (c *Client) ListImages(ctx context.Context, name string) ([]Image, error) {
	body, err := c.Call(ctx, http.MethodGet, c.accountPath("/images"), []Param{
		{Key: "name", Value: name},
	})
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}

	var images []Image
	if err := json.Unmarshal([]byte(body), &images); err != nil {
		return nil, fmt.Errorf("failed to decode image list: %w", err)
	}
	return images, nil
}

// CreateMachineRequest describes the machine to provision.
type CreateMachineRequest struct {
	Name    string
	ImageID string
	Package string
	// Tags are attached as instance metadata. The creation tag lives
	// here so the machine can be re-discovered if this call's response
	// is lost.
	Tags map[string]string
}

// CreateMachine requests a new machine. A nil machine with nil error
// means the provider sent an empty response: the machine may or may not
// exist and the caller must reconcile by tag lookup.
func (c *Client) CreateMachine(ctx context.Context, req CreateMachineRequest) (*Machine, error) {
	params := []Param{
		{Key: "image", Value: req.ImageID},
		{Key: "package", Value: req.Package},
	}
	if req.Name != "" {
		params = append(params, Param{Key: "name", Value: req.Name})
	}
	for k, v := range req.Tags {
		params = append(params, Param{Key: "tag." + k, Value: v})
	}

	body, err := c.Call(ctx, http.MethodPost, c.accountPath("/machines"), params)
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}

	var machine Machine
	if err := json.Unmarshal([]byte(body), &machine); err != nil {
		return nil, fmt.Errorf("failed to decode machine: %w", err)
	}
	return &machine, nil
}

// ListMachinesByTag returns machines of the given package type carrying
// the given tag.
func (c *Client) ListMachinesByTag(ctx context.Context, pkg, tagKey, tagValue string) ([]Machine, error) {
	body, err := c.Call(ctx, http.MethodGet, c.accountPath("/machines"), []Param{
		{Key: "package", Value: pkg},
		{Key: "tag." + tagKey, Value: tagValue},
	})
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}

	var machines []Machine
	if err := json.Unmarshal([]byte(body), &machines); err != nil {
		return nil, fmt.Errorf("failed to decode machine list: %w", err)
	}
	return machines, nil
}

// GetMachine returns the current provider state of one machine.
func (c *Client) GetMachine(ctx context.Context, id string) (*Machine, error) {
	body, err := c.Call(ctx, http.MethodGet, c.accountPath("/machines/"+id), nil)
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}

	var machine Machine
	if err := json.Unmarshal([]byte(body), &machine); err != nil {
		return nil, fmt.Errorf("failed to decode machine: %w", err)
	}
	return &machine, nil
}

// StopMachine asks the provider to stop a machine. Stop is fire and
// forget during teardown; the state poll is the source of truth.
func (c *Client) StopMachine(ctx context.Context, id string) error {
	_, err := c.Call(ctx, http.MethodPost, c.accountPath("/machines/"+id), []Param{
		{Key: "action", Value: "stop"},
	})
	return err
}

// DeleteMachine asks the provider to delete a stopped machine.
func (c *Client) DeleteMachine(ctx context.Context, id string) error {
	_, err := c.Call(ctx, http.MethodDelete, c.accountPath("/machines/"+id), nil)
	return err
}

// accountPath prefixes a path with the signer's account login.
func (c *Client) accountPath(suffix string) string {
	return "/" + c.signer.Login() + suffix
}
