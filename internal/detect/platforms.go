package detect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BuiltinPlatforms returns the built-in platform table. Order matters:
// Match evaluates entries top to bottom and stops at the first hit.
//
// Probe selectors target in-call UI elements so a lobby or landing page on
// the same URL does not count as a meeting. Each platform carries at least
// two alternative probes because these services rev their DOM frequently;
// any one hit is sufficient.
func BuiltinPlatforms() []Platform {
	return []Platform{
		// ---------------------------------------------------------------
		// Hosted meeting services
		// ---------------------------------------------------------------
		{
			Name:       "Google Meet",
			URLPattern: `^https://meet\.google\.com/[a-z]{3}-[a-z]{4}-[a-z]{3}`,
			Probes: []string{
				`[data-meeting-title]`,
				`button[aria-label*="Leave call"]`,
			},
		},
		{
			Name:       "Zoom",
			URLPattern: `^https://([a-z0-9-]+\.)?zoom\.us/(wc/)?(j|join|s|w|wc)/\d+`,
			Probes: []string{
				`#webclient`,
				`.meeting-app`,
				`footer[class*="footer"] button[aria-label*="mute"]`,
			},
		},
		{
			Name:       "Microsoft Teams",
			URLPattern: `^https://teams\.(microsoft|live)\.com/.*(meetup-join|/calling/|/v2/\?meetingjoin)`,
			Probes: []string{
				`#hangup-button`,
				`[data-tid="call-status-container"]`,
			},
		},
		{
			Name:       "Webex",
			URLPattern: `^https://([a-z0-9-]+\.)?webex\.com/(meet|join|wbxmjs|webappng)/`,
			Probes: []string{
				`[data-test="meeting-controls"]`,
				`button[aria-label*="Leave meeting"]`,
			},
		},
		// ---------------------------------------------------------------
		// Self-hosted and lightweight services
		// ---------------------------------------------------------------
		{
			Name:       "Jitsi Meet",
			URLPattern: `^https://meet\.jit\.si/\w`,
			Probes: []string{
				`#largeVideoContainer`,
				`.toolbox-content-items`,
			},
		},
		{
			Name:       "Whereby",
			URLPattern: `^https://([a-z0-9-]+\.)?whereby\.com/\w`,
			Probes: []string{
				`[data-testid="in-room"]`,
				`button[aria-label*="Leave"]`,
			},
		},
	}
}

// platformsFile is the on-disk shape of a platform override file.
type platformsFile struct {
	Platforms []Platform `yaml:"platforms"`
}

// LoadFile reads a platform list from a YAML file. The file replaces the
// built-in table entirely; callers wanting builtins plus extras list the
// builtins in the file too.
func LoadFile(path string) ([]Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	var pf platformsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse platforms file %s: %w", path, err)
	}
	if len(pf.Platforms) == 0 {
		return nil, fmt.Errorf("platforms file %s defines no platforms", path)
	}
	return pf.Platforms, nil
}

// LoadTable builds the platform table the bridge runs with. An empty path
// selects the built-in table; otherwise the file at path is loaded and
// validated.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return NewTable(BuiltinPlatforms())
	}
	platforms, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewTable(platforms)
}
