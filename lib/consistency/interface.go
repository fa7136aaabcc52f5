package consistency

// IPersister stores consistency records across restarts
type IPersister interface {
	// Load returns all stored records
	Load() ([]Record, error)

	// Save stores rec, replacing the previous record of the same key
	Save(rec Record) error

	// Close releases the resources of the persister
	Close() error
}
