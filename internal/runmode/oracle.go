// Package runmode decides whether this process is the sync authority or a
// replica, and supplies the canonical clock used for all timestamp
// comparisons.
package runmode

import (
	"os"
	"time"

	"github.com/dkowalski/plantsync/internal/logging"
)

// Role identifies which side of the sync protocol this process plays.
type Role string

const (
	// RoleAuthority is the online server, the source of truth. It never
	// enqueues local changes and never pulls.
	RoleAuthority Role = "authority"

	// RoleReplica is an offline-capable client holding a local copy.
	RoleReplica Role = "replica"
)

// hostingMarkers are environment variables that only exist on known
// hosting platforms where the authority is deployed.
var hostingMarkers = []string{"DYNO", "FLY_APP_NAME", "RENDER"}

// Oracle answers IsAuthority and Now. The role is fixed at construction
// and never re-evaluated, so the process cannot flap between modes
// mid-run.
type Oracle struct {
	role Role
	loc  *time.Location
}

// Detect evaluates the environment signals once and returns an Oracle.
//
// Signals, in order of precedence:
//  1. PLANTSYNC_ROLE set to "authority" or "replica" (explicit flag)
//  2. a known hosting-platform marker variable (authority)
//  3. no configured authority URL (nothing to sync against ⇒ authority)
func Detect(authorityURL, timeZone string) (*Oracle, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, err
	}

	role := detectRole(authorityURL)

	logging.Info("Run mode detected", map[string]interface{}{
		"role":      string(role),
		"time_zone": timeZone,
	})

	return &Oracle{role: role, loc: loc}, nil
}

func detectRole(authorityURL string) Role {
	switch os.Getenv("PLANTSYNC_ROLE") {
	case "authority":
		return RoleAuthority
	case "replica":
		return RoleReplica
	}

	for _, marker := range hostingMarkers {
		if os.Getenv(marker) != "" {
			return RoleAuthority
		}
	}

	if authorityURL == "" {
		return RoleAuthority
	}

	return RoleReplica
}

// IsAuthority reports whether this process is the authority.
func (o *Oracle) IsAuthority() bool {
	return o.role == RoleAuthority
}

// Role returns the detected role.
func (o *Oracle) Role() Role {
	return o.role
}

// Now returns the current time in the canonical zone.
func (o *Oracle) Now() time.Time {
	return time.Now().In(o.loc)
}

// Location returns the canonical zone.
func (o *Oracle) Location() *time.Location {
	return o.loc
}

// Fixed returns an Oracle with a preset role, for tests and for wiring
// that must not consult the environment.
func Fixed(role Role, loc *time.Location) *Oracle {
	if loc == nil {
		loc = time.UTC
	}
	return &Oracle{role: role, loc: loc}
}
