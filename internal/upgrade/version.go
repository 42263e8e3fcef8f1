package upgrade

// RequiredSchemaVersion is the migration version this binary expects.
// Bump it together with every new file in migrations/.
const RequiredSchemaVersion uint = 2
