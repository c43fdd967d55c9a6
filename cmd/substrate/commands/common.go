package commands

import (
	"encoding/json"
	"fmt"

	"github.com/roasbeef/subtrate/internal/db"
	"github.com/roasbeef/subtrate/internal/summarystore"
)

// getSummaryStore opens the summarystore database at dbPath (or the default
// location if unset), applying migrations as needed.
func getSummaryStore() (*summarystore.Store, error) {
	path := dbPath
	if path == "" {
		var err error
		path, err = db.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}

	store, err := summarystore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open summarystore: %w", err)
	}

	return store, nil
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
