package repository

import (
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/repository/sqlite"
)

// NewStateRepository returns a StateRepository backed by SQLite at the given path.
// The path is typically from policy.StateFile() (default ~/.config/flowstate/state.sqlite).
func NewStateRepository(path string) (app.StateRepository, error) {
	return sqlite.New(path)
}
