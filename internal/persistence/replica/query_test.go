package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyQuery(t *testing.T) {
	cases := map[string]QueryType{
		"select * from players":        QueryRead,
		"  SELECT 1":                   QueryRead,
		"insert into players values()": QueryWrite,
		"UPDATE players SET x=1":       QueryWrite,
		"delete from players":          QueryWrite,
		"BEGIN":                        QueryTransaction,
		"commit":                       QueryTransaction,
		"ROLLBACK":                     QueryTransaction,
		"create table foo(x int)":      QueryDDL,
		"ALTER TABLE foo ADD COLUMN y": QueryDDL,
		"drop table foo":               QueryDDL,
		"vacuum analyze":                QueryUnknown,
	}
	for query, want := range cases {
		assert.Equal(t, want, ClassifyQuery(query), "query=%q", query)
	}
}

func TestShouldRouteToPrimary(t *testing.T) {
	assert.True(t, ShouldRouteToPrimary(QueryWrite, ConsistencyEventual))
	assert.True(t, ShouldRouteToPrimary(QueryDDL, ConsistencyEventual))
	assert.True(t, ShouldRouteToPrimary(QueryTransaction, ConsistencyEventual))
	assert.True(t, ShouldRouteToPrimary(QueryRead, ConsistencyStrong))
	assert.True(t, ShouldRouteToPrimary(QueryRead, ConsistencyReadYourWrites))
	assert.False(t, ShouldRouteToPrimary(QueryRead, ConsistencyEventual))
	assert.False(t, ShouldRouteToPrimary(QueryRead, ConsistencyBoundedStaleness))
}
