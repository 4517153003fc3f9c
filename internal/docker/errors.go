package docker

import (
	"errors"
	"strings"

	"github.com/docker/docker/client"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// IsNotFound reports whether err means the daemon has no such resource,
// whether it came from the SDK or from this package.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || client.IsErrNotFound(err)
}

// IsMissingImage reports whether a container create failed because the
// image does not exist on the host.
func IsMissingImage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such image") || strings.Contains(msg, "not found: manifest unknown")
}

// IsPortConflict reports whether a container create or start failed on a
// host port already in use.
func IsPortConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") || strings.Contains(msg, "address already in use")
}
