package user

import (
	"context"
	"errors"
	"sort"

	"github.com/trezcool/shule/core"
)

var (
	// errors
	ErrNotFound       = errors.New("user not found")
	ErrEmailExists    = errors.New("a user with this email already exists")
	ErrUsernameExists = errors.New("a user with this username already exists")
	ErrCourseNotFound = errors.New("course not found")
	ErrNotTeacher     = errors.New("user is not a teacher")
	ErrNotStudent     = errors.New("user is not a student")
)

type (
	// GetFilter is used to get a single user. Only one of its fields should be set.
	GetFilter struct {
		ID              string
		UsernameOrEmail string
	}

	Repository interface {
		CheckUsernameUniqueness(ctx context.Context, username, email string) error
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUser(ctx context.Context, filter GetFilter) (User, error)
		ListUsersByID(ctx context.Context, ids ...string) ([]User, error)

		CreateCourse(ctx context.Context, course Course) (Course, error)
		GetCourse(ctx context.Context, id string) (Course, error)
		// Enroll is idempotent: enrolling twice is a no-op.
		Enroll(ctx context.Context, enrollment Enrollment) error

		// ListTeachersOfStudent returns the distinct teachers of every course the student is enrolled in.
		ListTeachersOfStudent(ctx context.Context, studentID string) ([]User, error)
		// ListStudentsOfTeacher returns the distinct students enrolled in the teacher's courses.
		ListStudentsOfTeacher(ctx context.Context, teacherID string) ([]User, error)
		IsEnrolledWith(ctx context.Context, teacherID, studentID string) (bool, error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (svc *Service) checkUniqueness(ctx context.Context, uname, email string) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email); err != nil {
		var field string
		switch err {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *Service) Create(ctx context.Context, nu NewUser) (User, error) {
	now := core.Now()
	roles := Roles(nu.Roles)
	if roles == nil {
		roles = Roles{}
	}
	usr := User{
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		IsActive:  true,
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *Service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: core.CleanString(uname, true /* lower */)})
}

// GetMany returns the users with the given ids, keyed by id. Unknown ids are skipped.
func (svc *Service) GetMany(ctx context.Context, ids ...string) (map[string]User, error) {
	users, err := svc.repo.ListUsersByID(ctx, ids...)
	if err != nil {
		return nil, err
	}
	res := make(map[string]User, len(users))
	for _, u := range users {
		res[u.ID] = u
	}
	return res, nil
}

func (svc *Service) CreateCourse(ctx context.Context, nc NewCourse) (Course, error) {
	teacher, err := svc.GetByID(ctx, nc.TeacherID)
	if err != nil {
		return Course{}, err
	}
	if !teacher.IsTeacher() {
		return Course{}, ErrNotTeacher
	}
	return svc.repo.CreateCourse(ctx, Course{
		Name:      core.CleanString(nc.Name),
		TeacherID: teacher.ID,
		CreatedAt: core.Now(),
	})
}

func (svc *Service) Enroll(ctx context.Context, courseID, studentID string) error {
	if _, err := svc.repo.GetCourse(ctx, courseID); err != nil {
		return err
	}
	student, err := svc.GetByID(ctx, studentID)
	if err != nil {
		return err
	}
	if !student.IsStudent() {
		return ErrNotStudent
	}
	return svc.repo.Enroll(ctx, Enrollment{CourseID: courseID, StudentID: student.ID, CreatedAt: core.Now()})
}

// ListPeers returns the users usr may message, ordered by name:
// the teachers of a student's courses, or the students of a teacher's courses.
func (svc *Service) ListPeers(ctx context.Context, usr User) ([]User, error) {
	var peers []User
	if usr.IsTeacher() {
		students, err := svc.repo.ListStudentsOfTeacher(ctx, usr.ID)
		if err != nil {
			return nil, err
		}
		peers = append(peers, students...)
	}
	if usr.IsStudent() {
		teachers, err := svc.repo.ListTeachersOfStudent(ctx, usr.ID)
		if err != nil {
			return nil, err
		}
		peers = append(peers, teachers...)
	}
	if peers == nil {
		peers = []User{}
	}
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].Name == peers[j].Name {
			return peers[i].Username < peers[j].Username
		}
		return peers[i].Name < peers[j].Name
	})
	return peers, nil
}

// Pairing orients two peers: Teacher teaches a course Student is enrolled in.
type Pairing struct {
	Teacher User
	Student User
}

// Pair orients a and b as peers. ok is false if neither teaches a course the other is enrolled in.
// Users holding both roles are checked both ways, in a stable order so that a pair always maps to
// the same Pairing whoever asks.
func (svc *Service) Pair(ctx context.Context, a, b User) (Pairing, bool, error) {
	if a.ID == b.ID {
		return Pairing{}, false, nil
	}
	if b.ID < a.ID {
		a, b = b, a
	}
	for _, p := range []Pairing{{Teacher: a, Student: b}, {Teacher: b, Student: a}} {
		if !p.Teacher.IsTeacher() || !p.Student.IsStudent() {
			continue
		}
		enrolled, err := svc.repo.IsEnrolledWith(ctx, p.Teacher.ID, p.Student.ID)
		if err != nil {
			return Pairing{}, false, err
		}
		if enrolled {
			return p, true, nil
		}
	}
	return Pairing{}, false, nil
}

// ArePeers reports whether one of a, b teaches a course the other is enrolled in.
func (svc *Service) ArePeers(ctx context.Context, a, b User) (bool, error) {
	_, ok, err := svc.Pair(ctx, a, b)
	return ok, err
}
