// Package inmemdb holds thread-safe in-memory repositories, used by the service unit tests.
package inmemdb

import (
	"sync"

	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/core/user"
)

type (
	userTable struct {
		mutex       sync.RWMutex
		users       map[string]*user.User
		courses     map[string]*user.Course
		enrollments map[[2]string]user.Enrollment // {course_id, student_id}
	}

	messageTable struct {
		mutex         sync.RWMutex
		conversations map[string]*message.Conversation
		messages      map[string]*message.Message
	}

	DB struct {
		user    *userTable
		message *messageTable
	}
)

func NewDB() *DB {
	return &DB{
		user: &userTable{
			users:       make(map[string]*user.User),
			courses:     make(map[string]*user.Course),
			enrollments: make(map[[2]string]user.Enrollment),
		},
		message: &messageTable{
			conversations: make(map[string]*message.Conversation),
			messages:      make(map[string]*message.Message),
		},
	}
}
