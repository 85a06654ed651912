package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// Profile names the GATT service carrying the Firmata byte stream and its two
// characteristics. RX notifies device -> host, TX is written host -> device. Both may be
// the same characteristic.
type Profile struct {
	Name    string
	Service ble.UUID
	RX      ble.UUID
	TX      ble.UUID
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (service %s)", p.Name, p.Service)
}

const (
	DefaultProfile = "redbear"
	AutoProfile    = "auto"
)

var (
	RedBear = Profile{
		Name:    "redbear",
		Service: ble.MustParse("713D0000-503E-4C75-BA94-3148F18D941E"),
		RX:      ble.MustParse("713D0002-503E-4C75-BA94-3148F18D941E"),
		TX:      ble.MustParse("713D0003-503E-4C75-BA94-3148F18D941E"),
	}
	NordicUART = Profile{
		Name:    "nus",
		Service: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
		RX:      ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E"),
		TX:      ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E"),
	}
	HM10 = Profile{
		Name:    "hm10",
		Service: ble.MustParse("FFE0"),
		RX:      ble.MustParse("FFE1"),
		TX:      ble.MustParse("FFE1"),
	}
)

// Profiles are tried in this order when the profile is auto-detected.
var Profiles = []Profile{RedBear, NordicUART, HM10}

// LookupProfile resolves a profile by name. An empty name selects DefaultProfile.
func LookupProfile(name string) (Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultProfile
	}
	for _, p := range Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// ProfileNames lists the selectable profile names.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles)+1)
	for _, p := range Profiles {
		names = append(names, p.Name)
	}
	return append(names, AutoProfile)
}

// ProfileForService returns the profile owning a service UUID.
func ProfileForService(u ble.UUID) (Profile, bool) {
	for _, p := range Profiles {
		if p.Service.Equal(u) {
			return p, true
		}
	}
	return Profile{}, false
}

// ServiceUUIDs returns the service UUIDs of every known profile.
func ServiceUUIDs() []ble.UUID {
	uuids := make([]ble.UUID, 0, len(Profiles))
	for _, p := range Profiles {
		uuids = append(uuids, p.Service)
	}
	return uuids
}
