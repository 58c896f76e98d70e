package main

import (
	"log"

	"github.com/gocql/gocql"
)

func main() {
	cluster := gocql.NewCluster("localhost")
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	if err := session.Query(`DROP KEYSPACE IF EXISTS vartalap`).Exec(); err != nil {
		log.Fatal(err)
	}

	log.Println("Keyspace vartalap dropped")
}
