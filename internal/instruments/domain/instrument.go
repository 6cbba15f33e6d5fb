package instruments

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Family identifies a sensor hardware type.
type Family string

const (
	FamilyGeneric Family = "generic"
	FamilyOrphan  Family = "orphan"
	FamilyMIT     Family = "mit"
	FamilyEBAM    Family = "ebam"
	FamilyTREX    Family = "trex"
	FamilyTrexPM  Family = "trex_pm"
)

// ParseFamily resolves a discriminator. Unknown discriminators are orphans.
func ParseFamily(value string) Family {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "generic", "other":
		return FamilyGeneric
	case "mit":
		return FamilyMIT
	case "ebam":
		return FamilyEBAM
	case "trex":
		return FamilyTREX
	case "trex_pm", "trex-pm", "trexpm":
		return FamilyTrexPM
	default:
		return FamilyOrphan
	}
}

// Slot names a calibration model slot on an instrument.
type Slot string

const (
	SlotCO  Slot = "co"
	SlotOX  Slot = "ox"
	SlotSO2 Slot = "so2"
	SlotNOX Slot = "nox"
	SlotPM  Slot = "pm"
)

// Instrument is a physical sensor record. SN is the only external key.
type Instrument struct {
	ID          int64
	SN          string
	Family      Family
	ParticleID  string
	IP          string
	Latitude    string
	Longitude   string
	Location    string
	City        string
	Country     string
	Timezone    string
	Outdoors    bool
	Model       string
	Description string
	Private     bool
	Active      bool
	OwnerID     *int64
	GroupID     *int64
	CreatedAt   time.Time
	LastUpdated time.Time
	// Models holds the currently assigned calibration model id per slot.
	Models map[Slot]int64
}

// NewInstrument builds an instrument from a partial attribute map.
// sn and discriminator are required.
func NewInstrument(attrs map[string]any) (*Instrument, error) {
	sn, _ := attrs["sn"].(string)
	sn = strings.TrimSpace(sn)
	if sn == "" {
		return nil, fmt.Errorf("%w: sn is required", ErrValidation)
	}
	if len(sn) > 24 {
		return nil, fmt.Errorf("%w: sn longer than 24 characters", ErrValidation)
	}
	discriminator, ok := attrs["discriminator"].(string)
	if !ok || strings.TrimSpace(discriminator) == "" {
		return nil, fmt.Errorf("%w: discriminator is required", ErrValidation)
	}
	inst := &Instrument{
		SN:       sn,
		Family:   ParseFamily(discriminator),
		Outdoors: true,
		Private:  true,
	}
	if err := inst.Apply(attrs); err != nil {
		return nil, err
	}
	return inst, nil
}

var stringAttrs = map[string]func(*Instrument) *string{
	"particle_id": func(i *Instrument) *string { return &i.ParticleID },
	"ip":          func(i *Instrument) *string { return &i.IP },
	"latitude":    func(i *Instrument) *string { return &i.Latitude },
	"longitude":   func(i *Instrument) *string { return &i.Longitude },
	"location":    func(i *Instrument) *string { return &i.Location },
	"city":        func(i *Instrument) *string { return &i.City },
	"country":     func(i *Instrument) *string { return &i.Country },
	"timezone":    func(i *Instrument) *string { return &i.Timezone },
	"model":       func(i *Instrument) *string { return &i.Model },
	"description": func(i *Instrument) *string { return &i.Description },
}

var boolAttrs = map[string]func(*Instrument) *bool{
	"outdoors": func(i *Instrument) *bool { return &i.Outdoors },
	"private":  func(i *Instrument) *bool { return &i.Private },
	"active":   func(i *Instrument) *bool { return &i.Active },
}

// Apply performs a partial update. sn and discriminator are never changed
// here, unknown keys are ignored.
func (i *Instrument) Apply(attrs map[string]any) error {
	for key, value := range attrs {
		if field, ok := stringAttrs[key]; ok {
			switch v := value.(type) {
			case nil:
				*field(i) = ""
			case string:
				*field(i) = v
			case float64:
				// coordinates are frequently posted as numbers
				*field(i) = strconv.FormatFloat(v, 'f', -1, 64)
			default:
				return fmt.Errorf("%w: %s must be a string", ErrValidation, key)
			}
			continue
		}
		if field, ok := boolAttrs[key]; ok {
			v, ok := value.(bool)
			if !ok {
				return fmt.Errorf("%w: %s must be a boolean", ErrValidation, key)
			}
			*field(i) = v
		}
	}
	if i.Timezone != "" {
		if _, err := time.LoadLocation(i.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrValidation, i.Timezone)
		}
	}
	return nil
}

// Zone returns the instrument timezone, nil when none is set or it is invalid.
func (i Instrument) Zone() *time.Location {
	if i.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(i.Timezone)
	if err != nil {
		return nil
	}
	return loc
}

// HasCoordinates reports whether both coordinates parse as numbers.
func (i Instrument) HasCoordinates() bool {
	_, _, ok := i.Coordinates()
	return ok
}

// Coordinates parses latitude and longitude.
func (i Instrument) Coordinates() (lat, lon float64, ok bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(i.Latitude), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(i.Longitude), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// Place joins location and city the way map popups show them.
func (i Instrument) Place() string {
	if i.Location != "" {
		return i.Location + ", " + i.City
	}
	return i.City
}

// Visibility restricts instrument listings to what a principal may see.
// All bypasses every other field.
type Visibility struct {
	All      bool
	UserID   *int64
	GroupIDs []int64
	SN       string
}

// Allows reports whether the instrument falls inside the visibility scope.
func (v Visibility) Allows(inst Instrument) bool {
	if v.All || !inst.Private {
		return true
	}
	if v.SN != "" && v.SN == inst.SN {
		return true
	}
	if v.UserID != nil && inst.OwnerID != nil && *v.UserID == *inst.OwnerID {
		return true
	}
	if inst.GroupID != nil {
		for _, id := range v.GroupIDs {
			if id == *inst.GroupID {
				return true
			}
		}
	}
	return false
}

// PublicAttributes are the instrument attributes every viewer may see.
var PublicAttributes = []string{
	"sn", "discriminator", "location", "city", "country", "timezone", "outdoors",
	"model", "last_updated", "url", "latitude", "longitude",
}

// PrivateAttributes are shown only to owners and administrators.
var PrivateAttributes = []string{
	"particle_id", "ip", "description", "private", "active", "owner_id", "group_id",
	"created", "models",
}

// Fields renders every attribute. Callers redact before serialization.
func (i Instrument) Fields() map[string]any {
	models := make(map[string]int64, len(i.Models))
	for slot, id := range i.Models {
		models[string(slot)] = id
	}
	return map[string]any{
		"sn":            i.SN,
		"discriminator": string(i.Family),
		"location":      i.Location,
		"city":          i.City,
		"country":       i.Country,
		"timezone":      i.Timezone,
		"outdoors":      i.Outdoors,
		"model":         i.Model,
		"last_updated":  formatTime(i.LastUpdated),
		"latitude":      i.Latitude,
		"longitude":     i.Longitude,
		"particle_id":   i.ParticleID,
		"ip":            i.IP,
		"description":   i.Description,
		"private":       i.Private,
		"active":        i.Active,
		"owner_id":      i.OwnerID,
		"group_id":      i.GroupID,
		"created":       formatTime(i.CreatedAt),
		"models":        models,
	}
}

// Clone returns a deep copy.
func (i Instrument) Clone() Instrument {
	out := i
	if i.OwnerID != nil {
		id := *i.OwnerID
		out.OwnerID = &id
	}
	if i.GroupID != nil {
		id := *i.GroupID
		out.GroupID = &id
	}
	if i.Models != nil {
		out.Models = make(map[Slot]int64, len(i.Models))
		for k, v := range i.Models {
			out.Models[k] = v
		}
	}
	return out
}
