package types

// Version is the trackd release version. The CLI, the core and the
// Record/Result wire contract are released in lockstep.
const Version = "0.3.0"

// ContractVersion is the Record/Result wire contract version.
const ContractVersion = Version
