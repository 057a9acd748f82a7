package types

import (
	"regexp"
	"testing"
)

func TestVersion_Format(t *testing.T) {
	// Version should be a valid semver
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	if !semverRegex.MatchString(Version) {
		t.Errorf("Version %q is not a valid semver", Version)
	}
}

func TestContractVersion_MatchesVersion(t *testing.T) {
	// The wire contract is released in lockstep with trackd.
	if ContractVersion != Version {
		t.Errorf("ContractVersion = %q, want %q", ContractVersion, Version)
	}
}
