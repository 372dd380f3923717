package mysqlcache

import (
	"fmt"
	"strings"
)

// CreateTableSQL is the cache table DDL; format it with the table name.
// Both text columns use binary collations so key and tag comparisons are
// byte-exact.
const CreateTableSQL = "CREATE TABLE `%s` (\n" +
	"    cache_key VARCHAR(255) CHARACTER SET utf8 COLLATE utf8_bin NOT NULL PRIMARY KEY,\n" +
	"    value LONGBLOB NOT NULL,\n" +
	"    value_type CHAR(1) CHARACTER SET latin1 COLLATE latin1_bin NOT NULL DEFAULT 'p',\n" +
	"    expires BIGINT UNSIGNED NOT NULL\n" +
	");"

// CreateTableStatement returns CreateTableSQL for table.
func CreateTableStatement(table string) string {
	return fmt.Sprintf(CreateTableSQL, escapeName(table))
}

// DropTableStatement returns the reverse of CreateTableStatement.
func DropTableStatement(table string) string {
	return fmt.Sprintf("DROP TABLE `%s`;", escapeName(table))
}

func escapeName(name string) string {
	return strings.ReplaceAll(name, "`", "``")
}

const upsertSuffix = " ON DUPLICATE KEY UPDATE" +
	" value = VALUES(value), value_type = VALUES(value_type), expires = VALUES(expires)"

// statements holds every query for one table.
type statements struct {
	get        string
	getMany    string
	set        string
	add        string
	deleteOne  string
	deleteMany string
	hasKey     string
	touch      string
	incrSelect string
	incrUpdate string
	clear      string

	cullExpired  string
	count        string
	deleteAll    string
	cullBoundary string
	cullBelow    string
	purgeKeys    string

	keysWithPrefix   string
	getWithPrefix    string
	deleteWithPrefix string

	insertPrefix string
}

func newStatements(table string) statements {
	t := "`" + escapeName(table) + "`"
	insert := "INSERT INTO " + t + " (cache_key, value, value_type, expires) VALUES "
	// Each assignment reads the old expires, so expires must be assigned last.
	add := insert + "(?, ?, ?, ?) ON DUPLICATE KEY UPDATE" +
		" value = IF(expires > ?, value, VALUES(value))," +
		" value_type = IF(expires > ?, value_type, VALUES(value_type))," +
		" expires = IF(expires > ?, expires, VALUES(expires))"
	return statements{
		get:        "SELECT value, value_type FROM " + t + " WHERE cache_key = ? AND expires > ?",
		getMany:    "SELECT cache_key, value, value_type FROM " + t + " WHERE cache_key IN (?) AND expires > ?",
		set:        insert + "(?, ?, ?, ?)" + upsertSuffix,
		add:        add,
		deleteOne:  "DELETE FROM " + t + " WHERE cache_key = ?",
		deleteMany: "DELETE FROM " + t + " WHERE cache_key IN (?)",
		hasKey:     "SELECT 1 FROM " + t + " WHERE cache_key = ? AND expires > ? LIMIT 1",
		touch:      "UPDATE " + t + " SET expires = ? WHERE cache_key = ? AND expires > ?",
		incrSelect: "SELECT value FROM " + t + " WHERE cache_key = ? AND value_type = 'i' AND expires > ? FOR UPDATE",
		incrUpdate: "UPDATE " + t + " SET value = ? WHERE cache_key = ?",
		clear:      "TRUNCATE " + t,

		cullExpired:  "DELETE FROM " + t + " WHERE expires <= ?",
		count:        "SELECT COUNT(*) FROM " + t,
		deleteAll:    "DELETE FROM " + t,
		cullBoundary: "SELECT cache_key FROM " + t + " ORDER BY cache_key LIMIT 1 OFFSET ?",
		cullBelow:    "DELETE FROM " + t + " WHERE cache_key < ?",
		purgeKeys:    "DELETE FROM " + t + " WHERE cache_key IN (?) AND expires <= ?",

		keysWithPrefix:   "SELECT cache_key FROM " + t + " WHERE cache_key LIKE ? AND expires > ?",
		getWithPrefix:    "SELECT cache_key, value, value_type FROM " + t + " WHERE cache_key LIKE ? AND expires > ?",
		deleteWithPrefix: "DELETE FROM " + t + " WHERE cache_key LIKE ?",

		insertPrefix: insert,
	}
}

// setMany builds a multi-row upsert for n rows.
func (s statements) setMany(n int) string {
	var b strings.Builder
	b.WriteString(s.insertPrefix)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
	}
	b.WriteString(upsertSuffix)
	return b.String()
}
