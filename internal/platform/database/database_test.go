package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionParams_DSN(t *testing.T) {
	p := ConnectionParams{Host: "db", Port: 5432, User: "efo", Password: "p@ss word", DBName: "efo_mapper", SSLMode: "disable"}
	assert.Equal(t, "postgres://efo:p%40ss%20word@db:5432/efo_mapper?sslmode=disable", p.DSN())
}
