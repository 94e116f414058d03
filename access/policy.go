// Package access decides which caller may invoke which operation and
// establishes caller identity for HTTP requests.
package access

// Policy holds the identities the capability tiers are checked against.
// The contract owner is fixed at construction; a non-empty attestor
// restricts attestation submission to that identity.
type Policy struct {
	contractOwner string
	attestor      string
}

func NewPolicy(contractOwner, attestor string) *Policy {
	return &Policy{contractOwner: contractOwner, attestor: attestor}
}

// IsContractOwner reports whether caller may run administrative operations
func (p *Policy) IsContractOwner(caller string) bool {
	return caller != "" && caller == p.contractOwner
}

// IsTriggerOwner reports whether caller owns a trigger whose owner is owner
func (p *Policy) IsTriggerOwner(owner, caller string) bool {
	return caller != "" && caller == owner
}

// MaySubmitAttestation reports whether caller may submit attestations.
// Without a configured attestor anyone may; the lifecycle then trusts
// attestation content entirely.
func (p *Policy) MaySubmitAttestation(caller string) bool {
	if p.attestor == "" {
		return true
	}
	return caller == p.attestor
}

// Restricted reports whether attestation submission is limited to one identity
func (p *Policy) Restricted() bool {
	return p.attestor != ""
}
