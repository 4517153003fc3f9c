package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// EnsureNetwork creates a bridge network when it does not exist yet and
// returns its id. Concurrent creates of the same network are tolerated.
func (c *Client) EnsureNetwork(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("network name cannot be empty")
	}
	if info, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return info.ID, nil
	} else if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("inspect network: %w", err)
	}

	created, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		// Lost the create race; the network exists now.
		if isConflict(err) {
			info, inspectErr := c.inner.NetworkInspect(ctx, name, network.InspectOptions{})
			if inspectErr != nil {
				return "", fmt.Errorf("inspect network after conflict: %w", inspectErr)
			}
			return info.ID, nil
		}
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return created.ID, nil
}

// ConnectNetwork attaches a container to a network, tolerating a container
// that is already attached.
func (c *Client) ConnectNetwork(ctx context.Context, networkName, containerID string) error {
	if err := c.inner.NetworkConnect(ctx, networkName, containerID, nil); err != nil {
		if isAlreadyConnected(err) {
			return nil
		}
		return fmt.Errorf("connect %s to network %s: %w", containerID, networkName, err)
	}
	return nil
}

// DisconnectNetwork detaches a container from a network, tolerating a
// container or network that is already gone or detached.
func (c *Client) DisconnectNetwork(ctx context.Context, networkName, containerID string) error {
	if err := c.inner.NetworkDisconnect(ctx, networkName, containerID, true); err != nil {
		if client.IsErrNotFound(err) || isNotConnected(err) {
			return nil
		}
		return fmt.Errorf("disconnect %s from network %s: %w", containerID, networkName, err)
	}
	return nil
}

// HasLiveDeployments reports whether any deployment container is still
// attached to the network, ignoring the probe container.
func (c *Client) HasLiveDeployments(ctx context.Context, networkName, probeService string) (bool, error) {
	info, err := c.inner.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect network: %w", err)
	}
	for _, endpoint := range info.Containers {
		if probeService != "" && strings.Contains(endpoint.Name, probeService) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// RemoveNetworkIfUnused removes a network once no deployment container is
// attached, first detaching the probe container when it is the only one
// left. A network that is already gone is not an error.
func (c *Client) RemoveNetworkIfUnused(ctx context.Context, networkName, probeService string) error {
	info, err := c.inner.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect network: %w", err)
	}

	for id, endpoint := range info.Containers {
		if probeService != "" && strings.Contains(endpoint.Name, probeService) {
			if err := c.DisconnectNetwork(ctx, networkName, id); err != nil {
				return err
			}
			continue
		}
		// A deployment container is still attached.
		return nil
	}

	if err := c.inner.NetworkRemove(ctx, networkName); err != nil {
		if client.IsErrNotFound(err) || isActiveEndpoints(err) {
			return nil
		}
		return fmt.Errorf("remove network %s: %w", networkName, err)
	}
	return nil
}

// ListNetworksByPrefix returns the names of networks whose name starts
// with prefix.
func (c *Client) ListNetworksByPrefix(ctx context.Context, prefix string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("name", prefix))
	networks, err := c.inner.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	names := make([]string, 0, len(networks))
	for _, n := range networks {
		// The name filter matches substrings; keep real prefix matches only.
		if strings.HasPrefix(n.Name, prefix) {
			names = append(names, n.Name)
		}
	}
	return names, nil
}

// FindContainerByName returns the id of the first container whose name
// contains fragment. Used to locate the engine's own probe container.
func (c *Client) FindContainerByName(ctx context.Context, fragment string) (string, error) {
	args := filters.NewArgs(filters.Arg("name", fragment))
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("find container by name: %w", err)
	}
	if len(containers) == 0 {
		return "", ErrNotFound
	}
	return containers[0].ID, nil
}

// ContainerIPOnNetwork resolves a container's address inside one network.
func (c *Client) ContainerIPOnNetwork(ctx context.Context, containerID, networkName string) (string, error) {
	info, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}
	endpoint, ok := info.NetworkSettings.Networks[networkName]
	if !ok || endpoint.IPAddress == "" {
		return "", fmt.Errorf("container %s not addressable on network %s", containerID, networkName)
	}
	return endpoint.IPAddress, nil
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isAlreadyConnected(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists in network") || strings.Contains(msg, "already connected")
}

func isNotConnected(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "is not connected")
}

func isActiveEndpoints(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "has active endpoints")
}
