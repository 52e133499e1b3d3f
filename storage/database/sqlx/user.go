package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/storage/database"
)

const userColumns = `u.id, u.name, u.username, u.email, u.is_active, u.roles, u.created_at, u.updated_at`

type userRepository struct {
	db core.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db core.DB) *userRepository {
	return &userRepository{db: db}
}

// trapNoRowsErr maps sql "no rows" err to notFound
func trapNoRowsErr(err error, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func utcUser(u user.User) user.User {
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	if u.Roles == nil {
		u.Roles = user.Roles{}
	}
	return u
}

func utcUsers(users []user.User) []user.User {
	for i := range users {
		users[i] = utcUser(users[i])
	}
	if users == nil {
		users = []user.User{}
	}
	return users
}

func (repo userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string) error {
	var taken []struct {
		Username string `db:"username"`
		Email    string `db:"email"`
	}
	q := repo.db.Rebind(`SELECT username, email FROM "user" WHERE username = ? OR (email <> '' AND email = ?)`)
	if err := repo.db.SelectContext(ctx, &taken, q, username, email); err != nil {
		return errors.Wrap(err, "checking user uniqueness")
	}
	for _, t := range taken {
		if t.Username == username {
			return user.ErrUsernameExists
		}
	}
	if len(taken) > 0 {
		return user.ErrEmailExists
	}
	return nil
}

func (repo userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	q := `INSERT INTO "user" (id, name, username, email, is_active, roles, created_at, updated_at)
		VALUES (:id, :name, :username, :email, :is_active, :roles, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.db, q, usr); err != nil {
		if database.IsUniqueViolation(err) {
			return user.User{}, user.ErrUsernameExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return utcUser(usr), nil
}

func (repo userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	var (
		where string
		args  []interface{}
	)
	switch {
	case filter.ID != "":
		where, args = "u.id = ?", []interface{}{filter.ID}
	case filter.UsernameOrEmail != "":
		where, args = "u.username = ? OR (u.email <> '' AND u.email = ?)", []interface{}{filter.UsernameOrEmail, filter.UsernameOrEmail}
	default:
		return user.User{}, user.ErrNotFound
	}

	var usr user.User
	q := repo.db.Rebind(`SELECT ` + userColumns + ` FROM "user" u WHERE ` + where + ` LIMIT 1`)
	if err := repo.db.GetContext(ctx, &usr, q, args...); err != nil {
		return user.User{}, trapNoRowsErr(err, user.ErrNotFound, "getting user")
	}
	return utcUser(usr), nil
}

func (repo userRepository) ListUsersByID(ctx context.Context, ids ...string) ([]user.User, error) {
	if len(ids) == 0 {
		return []user.User{}, nil
	}
	q, args, err := sqlx.In(`SELECT `+userColumns+` FROM "user" u WHERE u.id IN (?) ORDER BY u.name`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "building users query")
	}
	var users []user.User
	if err = repo.db.SelectContext(ctx, &users, repo.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "listing users")
	}
	return utcUsers(users), nil
}

func (repo userRepository) CreateCourse(ctx context.Context, course user.Course) (user.Course, error) {
	if course.ID == "" {
		course.ID = uuid.New().String()
	}
	q := `INSERT INTO course (id, name, teacher_id, created_at) VALUES (:id, :name, :teacher_id, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.db, q, course); err != nil {
		return user.Course{}, errors.Wrap(err, "inserting course")
	}
	course.CreatedAt = course.CreatedAt.UTC()
	return course, nil
}

func (repo userRepository) GetCourse(ctx context.Context, id string) (user.Course, error) {
	var course user.Course
	q := repo.db.Rebind(`SELECT id, name, teacher_id, created_at FROM course WHERE id = ?`)
	if err := repo.db.GetContext(ctx, &course, q, id); err != nil {
		return user.Course{}, trapNoRowsErr(err, user.ErrCourseNotFound, "getting course")
	}
	course.CreatedAt = course.CreatedAt.UTC()
	return course, nil
}

func (repo userRepository) Enroll(ctx context.Context, enrollment user.Enrollment) error {
	q := `INSERT INTO enrollment (course_id, student_id, created_at) VALUES (:course_id, :student_id, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.db, q, enrollment); err != nil {
		if database.IsUniqueViolation(err) {
			return nil
		}
		return errors.Wrap(err, "inserting enrollment")
	}
	return nil
}

func (repo userRepository) ListTeachersOfStudent(ctx context.Context, studentID string) ([]user.User, error) {
	var users []user.User
	q := repo.db.Rebind(`SELECT ` + userColumns + ` FROM "user" u
		WHERE u.is_active AND u.id IN (
			SELECT c.teacher_id FROM course c JOIN enrollment e ON e.course_id = c.id WHERE e.student_id = ?
		)
		ORDER BY u.name, u.username`)
	if err := repo.db.SelectContext(ctx, &users, q, studentID); err != nil {
		return nil, errors.Wrap(err, "listing teachers of student")
	}
	return utcUsers(users), nil
}

func (repo userRepository) ListStudentsOfTeacher(ctx context.Context, teacherID string) ([]user.User, error) {
	var users []user.User
	q := repo.db.Rebind(`SELECT ` + userColumns + ` FROM "user" u
		WHERE u.is_active AND u.id IN (
			SELECT e.student_id FROM enrollment e JOIN course c ON c.id = e.course_id WHERE c.teacher_id = ?
		)
		ORDER BY u.name, u.username`)
	if err := repo.db.SelectContext(ctx, &users, q, teacherID); err != nil {
		return nil, errors.Wrap(err, "listing students of teacher")
	}
	return utcUsers(users), nil
}

func (repo userRepository) IsEnrolledWith(ctx context.Context, teacherID, studentID string) (bool, error) {
	var n int
	q := repo.db.Rebind(`SELECT COUNT(*) FROM enrollment e JOIN course c ON c.id = e.course_id
		WHERE c.teacher_id = ? AND e.student_id = ?`)
	if err := repo.db.GetContext(ctx, &n, q, teacherID, studentID); err != nil {
		return false, errors.Wrap(err, "checking enrollment")
	}
	return n > 0, nil
}
