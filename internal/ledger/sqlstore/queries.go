package sqlstore

import (
	"fmt"

	"apipool-go/internal/migrations"
)

type queries struct {
	insertStatus  string
	insertKey     string
	insertEvent   string
	selectAllKeys string
	// selectKeys takes pq.Array on PostgreSQL and a %s placeholder list elsewhere.
	selectKeys string
	countByKey string
}

func queriesFor(driver migrations.Driver) (queries, error) {
	switch driver {
	case migrations.SQLite:
		return queries{
			insertStatus:  `INSERT OR IGNORE INTO status (id, description) VALUES (?, ?)`,
			insertKey:     `INSERT OR IGNORE INTO apikey ("key") VALUES (?)`,
			insertEvent:   `INSERT OR IGNORE INTO event (apikey_id, finished_at, status_id) VALUES (?, ?, ?)`,
			selectAllKeys: `SELECT id, "key" FROM apikey`,
			selectKeys:    `SELECT id, "key" FROM apikey WHERE "key" IN (%s)`,
			countByKey: `SELECT a."key", COUNT(*) FROM event e JOIN apikey a ON a.id = e.apikey_id
				WHERE e.finished_at >= ? AND e.finished_at < ? GROUP BY a."key" ORDER BY a."key"`,
		}, nil
	case migrations.Postgres:
		return queries{
			insertStatus:  `INSERT INTO status (id, description) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			insertKey:     `INSERT INTO apikey (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`,
			insertEvent:   `INSERT INTO event (apikey_id, finished_at, status_id) VALUES ($1, $2, $3) ON CONFLICT (apikey_id, finished_at) DO NOTHING`,
			selectAllKeys: `SELECT id, key FROM apikey`,
			selectKeys:    `SELECT id, key FROM apikey WHERE key = ANY($1)`,
			countByKey: `SELECT a.key, COUNT(*) FROM event e JOIN apikey a ON a.id = e.apikey_id
				WHERE e.finished_at >= $1 AND e.finished_at < $2 GROUP BY a.key ORDER BY a.key COLLATE "C"`,
		}, nil
	case migrations.MySQL:
		return queries{
			insertStatus:  "INSERT IGNORE INTO status (id, description) VALUES (?, ?)",
			insertKey:     "INSERT IGNORE INTO apikey (`key`) VALUES (?)",
			insertEvent:   "INSERT INTO event (apikey_id, finished_at, status_id) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE apikey_id = apikey_id",
			selectAllKeys: "SELECT id, `key` FROM apikey",
			selectKeys:    "SELECT id, `key` FROM apikey WHERE `key` IN (%s)",
			countByKey: "SELECT a.`key`, COUNT(*) FROM event e JOIN apikey a ON a.id = e.apikey_id " +
				"WHERE e.finished_at >= ? AND e.finished_at < ? GROUP BY a.`key` ORDER BY a.`key`",
		}, nil
	}
	return queries{}, fmt.Errorf("unsupported sql driver %q", driver)
}
