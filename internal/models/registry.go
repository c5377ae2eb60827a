package models

// All returns every model that needs migration, in dependency order.
func All() []interface{} {
	return []interface{}{
		&Project{},
		&PendingChange{},
		&Commit{},
		&FileHistory{},
		&DeployAttempt{},
		&DeployLog{},
		&ProjectLock{},
		&Blob{},
	}
}
