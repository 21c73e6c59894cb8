package catalog

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(draftStructLevel, Draft{})
	return v
}

// draftStructLevel enforces the relations single-field tags cannot express:
// the keepalive interval must fit three times into a non-zero hold time.
func draftStructLevel(sl validator.StructLevel) {
	d := sl.Current().Interface().(Draft)
	if d.HoldTime == nil || d.Keepalive == nil {
		return
	}
	if *d.HoldTime > 0 && *d.Keepalive*3 > *d.HoldTime {
		sl.ReportError(d.Keepalive, "keepalive", "Keepalive", "timer_ratio", "")
	}
}

// ValidateDraft normalizes the draft in place and returns a *ValidationError
// describing every violated constraint, or nil.
func ValidateDraft(d *Draft) error {
	d.Normalize()

	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validating draft: %w", err)
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, fieldError(d, fe))
	}
	return out
}

func fieldError(d *Draft, fe validator.FieldError) FieldError {
	// Slice dives report the element, e.g. "AddressFamilies[1]".
	if strings.HasPrefix(fe.StructField(), "AddressFamilies[") {
		return FieldError{"address_families", fmt.Sprintf("unsupported address family %q", fe.Value())}
	}
	switch fe.StructField() {
	case "Name":
		if fe.Tag() == "required" {
			return FieldError{"name", "name is required"}
		}
		return FieldError{"name", "name must be at most 255 characters"}
	case "Device":
		if fe.Tag() == "required" {
			return FieldError{"device", "device is required"}
		}
		return FieldError{"device", "device must be at most 255 characters"}
	case "Interface":
		return FieldError{"interface", "interface must be at most 255 characters"}
	case "LocalASN":
		return FieldError{"local_asn", "local_asn must be between 1 and 4294967295"}
	case "PeerASN":
		return FieldError{"peer_asn", "peer_asn must be between 1 and 4294967295"}
	case "PeerIP":
		return FieldError{"peer_ip", "peer_ip is required"}
	case "HoldTime":
		return FieldError{"hold_time", "hold_time must be 0 or between 3 and 65535"}
	case "Keepalive":
		if fe.Tag() == "timer_ratio" {
			return FieldError{"keepalive", fmt.Sprintf(
				"keepalive (%d) must be less than or equal to one-third of hold_time (%d)",
				*d.Keepalive, *d.HoldTime)}
		}
		return FieldError{"keepalive", "keepalive must be between 1 and 65535"}
	case "Status":
		return FieldError{"status", "status must be one of active, pending, disabled"}
	case "AddressFamilies":
		if fe.Tag() == "min" {
			return FieldError{"address_families", "address_families must not be empty"}
		}
		return FieldError{"address_families", fmt.Sprintf("unsupported address family %q", fe.Value())}
	default:
		return FieldError{fe.Field(), fe.Error()}
	}
}

// draftFrom converts a stored peering back into draft form so merged patches
// revalidate through the same path as creates.
func draftFrom(p Peering) Draft {
	hold, keep := p.HoldTime, p.Keepalive
	return Draft{
		Name:            p.Name,
		Device:          p.Device,
		Interface:       p.Interface,
		LocalASN:        p.LocalASN,
		PeerASN:         p.PeerASN,
		PeerIP:          p.PeerIP,
		HoldTime:        &hold,
		Keepalive:       &keep,
		Status:          p.Status,
		AddressFamilies: p.AddressFamilies,
		RoutingPolicy:   p.RoutingPolicy,
	}
}
