// Package identity derives stable service ids from configuration.
//
// An id is a pure function of the fields that identify a forward: its name,
// technology, ports, and connection target. Tags, descriptions, and probe
// or restart tuning never influence the id, so reloads that touch only
// those fields keep the running child.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dawsonlp/localport/internal/config"
)

// idNamespace is the fixed UUID namespace for localport service ids.
var idNamespace = uuid.MustParse("b79ce9ec-9a36-4a6e-8b38-1d9c8d6e5a01")

// ServiceID is the deterministic 128-bit identity of a service definition.
type ServiceID = uuid.UUID

// ForService computes the id for a service definition.
func ForService(svc config.ServiceDefinition) ServiceID {
	parts := []string{
		svc.Name,
		string(svc.Technology),
		fmt.Sprintf("%d", svc.LocalPort),
		fmt.Sprintf("%d", svc.RemotePort),
	}
	switch svc.Technology {
	case config.TechnologyKubernetes:
		parts = append(parts,
			svc.Connection.Namespace,
			svc.Connection.ResourceName,
			svc.Connection.ResourceKind,
		)
		if svc.Connection.Context != "" {
			parts = append(parts, svc.Connection.Context)
		}
	case config.TechnologySSH:
		parts = append(parts,
			svc.Connection.Host,
			fmt.Sprintf("%d", svc.Connection.Port),
		)
		if svc.Connection.User != "" {
			parts = append(parts, svc.Connection.User)
		}
	}
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x1f")))
}

// Parse converts the canonical string form back into an id.
func Parse(s string) (ServiceID, error) {
	return uuid.Parse(s)
}

// Short returns the first 8 hex characters of an id, used in log file
// names and human-facing output.
func Short(id ServiceID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
