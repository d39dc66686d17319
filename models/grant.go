package models

type GrantRole string

const (
	RoleScanner    GrantRole = "scanner"
	RoleVenueAdmin GrantRole = "venueAdmin"
	RoleSubAdmin   GrantRole = "subAdmin"
	RoleSiteAdmin  GrantRole = "siteAdmin"
)

type ScannerGrant struct {
	UserID  string    `json:"user_id"`
	Role    GrantRole `json:"role"`
	VenueID string    `json:"venue_id,omitempty"`
	Active  bool      `json:"active"`
}

// CanScanAt reports whether the grant covers tickets for venueID.
// Only siteAdmin is global; venueAdmin and scanner need an exact venue match.
func (g ScannerGrant) CanScanAt(venueID string) bool {
	if !g.Active {
		return false
	}
	switch g.Role {
	case RoleSiteAdmin:
		return true
	case RoleVenueAdmin, RoleScanner:
		return g.VenueID != "" && g.VenueID == venueID
	}
	return false
}

// CanManage reports whether the grant may administer tickets at venueID.
func (g ScannerGrant) CanManage(venueID string) bool {
	if !g.Active {
		return false
	}
	switch g.Role {
	case RoleSiteAdmin:
		return true
	case RoleVenueAdmin:
		return g.VenueID == venueID
	}
	return false
}
