package main

import (
	"log"

	"github.com/gocql/gocql"
)

var statements = []string{
	`CREATE KEYSPACE IF NOT EXISTS vartalap
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
	`CREATE TABLE IF NOT EXISTS vartalap.users (
		id uuid PRIMARY KEY,
		username text,
		email text,
		is_online boolean,
		last_seen timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.users_by_name (
		username text PRIMARY KEY,
		id uuid
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.conversations (
		id uuid PRIMARY KEY,
		kind text,
		name text,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.conversations_by_user (
		user_id uuid,
		conversation_id uuid,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.participants (
		conversation_id uuid,
		user_id uuid,
		is_admin boolean,
		is_muted boolean,
		joined_at timestamp,
		last_read_at timestamp,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.direct_index (
		pair text PRIMARY KEY,
		conversation_id uuid
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.messages (
		conversation_id uuid,
		created_at timestamp,
		id uuid,
		sender_id uuid,
		content text,
		kind text,
		is_edited boolean,
		is_deleted boolean,
		reply_to uuid,
		updated_at timestamp,
		PRIMARY KEY (conversation_id, created_at, id)
	) WITH CLUSTERING ORDER BY (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS vartalap.message_pointers (
		id uuid PRIMARY KEY,
		conversation_id uuid,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.attachments (
		message_id uuid,
		id uuid,
		file_name text,
		file_size bigint,
		mime_type text,
		category text,
		width int,
		height int,
		thumbnail text,
		stored_path text,
		created_at timestamp,
		PRIMARY KEY (message_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.read_receipts (
		message_id uuid,
		user_id uuid,
		read_at timestamp,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS vartalap.unread_counters (
		user_id uuid,
		conversation_id uuid,
		unread counter,
		PRIMARY KEY (user_id, conversation_id)
	)`,
}

func main() {
	cluster := gocql.NewCluster("localhost")
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	for _, stmt := range statements {
		if err := session.Query(stmt).Exec(); err != nil {
			log.Fatal(err)
		}
	}

	log.Println("Schema created successfully")
}
