package types

// Version is the canonical project version.
// All components (engine, agent binary, CLI) share this version per the
// lockstep versioning policy.
const Version = "0.8.2"
