package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trezcool/shule/core/user"
)

type userRepository struct {
	db *userTable
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db.user}
}

func (repo *userRepository) CheckUsernameUniqueness(_ context.Context, username, email string) error {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, usr := range repo.db.users {
		if usr.Username == username {
			return user.ErrUsernameExists
		}
		if email != "" && usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, u := range repo.db.users {
		if u.Username == usr.Username {
			return user.User{}, user.ErrUsernameExists
		}
	}
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	if usr.Roles == nil {
		usr.Roles = user.Roles{}
	}
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	switch {
	case filter.ID != "":
		if usr, ok := repo.db.users[filter.ID]; ok {
			return *usr, nil
		}
	case filter.UsernameOrEmail != "":
		for _, usr := range repo.db.users {
			if usr.Username == filter.UsernameOrEmail || (usr.Email != "" && usr.Email == filter.UsernameOrEmail) {
				return *usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) ListUsersByID(_ context.Context, ids ...string) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	users := make([]user.User, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if usr, ok := repo.db.users[id]; ok && !seen[id] {
			users = append(users, *usr)
			seen[id] = true
		}
	}
	sortByName(users)
	return users, nil
}

func (repo *userRepository) CreateCourse(_ context.Context, course user.Course) (user.Course, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if course.ID == "" {
		course.ID = uuid.New().String()
	}
	repo.db.courses[course.ID] = &course
	return course, nil
}

func (repo *userRepository) GetCourse(_ context.Context, id string) (user.Course, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if c, ok := repo.db.courses[id]; ok {
		return *c, nil
	}
	return user.Course{}, user.ErrCourseNotFound
}

func (repo *userRepository) Enroll(_ context.Context, enrollment user.Enrollment) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	key := [2]string{enrollment.CourseID, enrollment.StudentID}
	if _, ok := repo.db.enrollments[key]; !ok {
		repo.db.enrollments[key] = enrollment
	}
	return nil
}

func (repo *userRepository) ListTeachersOfStudent(_ context.Context, studentID string) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	ids := make(map[string]bool)
	for key := range repo.db.enrollments {
		if key[1] != studentID {
			continue
		}
		if c, ok := repo.db.courses[key[0]]; ok {
			ids[c.TeacherID] = true
		}
	}
	return repo.activeUsers(ids), nil
}

func (repo *userRepository) ListStudentsOfTeacher(_ context.Context, teacherID string) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	ids := make(map[string]bool)
	for key := range repo.db.enrollments {
		if c, ok := repo.db.courses[key[0]]; ok && c.TeacherID == teacherID {
			ids[key[1]] = true
		}
	}
	return repo.activeUsers(ids), nil
}

func (repo *userRepository) IsEnrolledWith(_ context.Context, teacherID, studentID string) (bool, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for key := range repo.db.enrollments {
		if key[1] != studentID {
			continue
		}
		if c, ok := repo.db.courses[key[0]]; ok && c.TeacherID == teacherID {
			return true, nil
		}
	}
	return false, nil
}

// activeUsers must be called with the lock held.
func (repo *userRepository) activeUsers(ids map[string]bool) []user.User {
	users := make([]user.User, 0, len(ids))
	for id := range ids {
		if usr, ok := repo.db.users[id]; ok && usr.IsActive {
			users = append(users, *usr)
		}
	}
	sortByName(users)
	return users
}

func sortByName(users []user.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name == users[j].Name {
			return users[i].Username < users[j].Username
		}
		return users[i].Name < users[j].Name
	})
}
