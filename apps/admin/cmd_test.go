package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
	sqlxrepos "github.com/trezcool/shule/storage/database/sqlx"
	"github.com/trezcool/shule/tests"
)

var usrRepo user.Repository

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	// set up DB & repos
	db := testutil.OpenDB(t)
	usrRepo = sqlxrepos.NewUserRepository(db)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	// start CLI
	out := new(bytes.Buffer)
	return &commandLine{
		conf:       core.NewTestConfig(),
		db:         db,
		usrSvc:     user.NewService(usrRepo),
		validate:   validate,
		translator: translator,
		out:        out,
	}, out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    string
}

func runCLITests(t *testing.T, cli *commandLine, out *bytes.Buffer, tests []cliTest) {
	t.Helper()
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, pkgerrors.Cause(err))
			case tt.wantErrStr != "":
				if assert.Error(t, err) {
					assert.Equal(t, tt.wantErrStr, cli.describe(err))
				}
			default:
				assert.NoError(t, err)
			}
			if tt.wantOut != "" {
				assert.Contains(t, out.String(), tt.wantOut)
			}
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, out := setup(t)

	orig := gooseRunFunc
	defer func() { gooseRunFunc = orig }()
	gooseRunFunc = func(command string, db *sql.DB, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLITests(t, cli, out, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "attachments", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	})
}

func Test_commandLine_usage(t *testing.T) {
	cli, out := setup(t)
	runCLITests(t, cli, out, []cliTest{
		{name: "no command", wantErr: errHelp, wantOut: "Usage:"},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp, wantOut: "issuetoken"},
		{name: "help flag", args: []string{"adduser", "-h"}, wantErr: errHelp},
		{name: "unknown flag", args: []string{"adduser", "-lol"}, wantErrStr: "flag provided but not defined: -lol"},
	})
}

func Test_commandLine_addUser(t *testing.T) {
	cli, out := setup(t)
	testutil.CreateUser(t, usrRepo, "Taken", "taken", "taken@test.cd", []string{user.RoleStudent}, true)

	runCLITests(t, cli, out, []cliTest{
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "no role", args: []string{"adduser", "-name", "Jo", "-username", "jo"}, wantErr: errHelp},
		{
			name: "invalid fields", args: []string{"adduser", "-username", "j-o", "-email", "lol", "-role", "teacher"},
			wantErrStr: strings.Join([]string{
				"email: email must be a valid email address",
				"name: this field is required",
				"username: only alphanumeric characters and underscores are allowed",
			}, "\n"),
		},
		{
			name: "unknown role", args: []string{"adduser", "-name", "Jo", "-username", "jojo", "-role", "wizard"},
			wantErrStr: "roles: invalid roles",
		},
		{
			name: "username taken", args: []string{"adduser", "-name", "Jo", "-username", "Taken", "-role", "student"},
			wantErrStr: "username: " + user.ErrUsernameExists.Error(),
		},
		{
			name: "teacher", args: []string{"adduser", "-name", "Mr Jo", "-username", "mrjo", "-email", "Jo@Test.cd", "-role", "teacher"},
			wantOut: `user "mrjo" created: `,
		},
		{
			name: "principal who teaches", args: []string{"adduser", "-name", "Pat", "-username", "pat", "-role", "admin:principal,teacher"},
			wantOut: `user "pat" created: `,
		},
	})

	usr, err := cli.usrSvc.GetByUsernameOrEmail(context.Background(), "jo@test.cd")
	require.NoError(t, err)
	assert.Equal(t, "mrjo", usr.Username)
	assert.True(t, usr.IsTeacher())
	assert.True(t, usr.IsActive)

	pat, err := cli.usrSvc.GetByUsernameOrEmail(context.Background(), "pat")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{user.RoleAdminPrincipal, user.RoleTeacher}, []string(pat.Roles))
}

func Test_commandLine_courses(t *testing.T) {
	cli, out := setup(t)
	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "teacher", "teacher@test.cd", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, usrRepo, "Student", "student", "", []string{user.RoleStudent}, true)
	course := testutil.CreateCourse(t, usrRepo, "Maths", teacher)

	runCLITests(t, cli, out, []cliTest{
		{name: "addcourse: no args", args: []string{"addcourse"}, wantErr: errHelp},
		{name: "addcourse: unknown teacher", args: []string{"addcourse", "-name", "Physics", "-teacher", "lol"}, wantErr: user.ErrNotFound},
		{name: "addcourse: not a teacher", args: []string{"addcourse", "-name", "Physics", "-teacher", "student"}, wantErr: user.ErrNotTeacher},
		{name: "addcourse: blank name", args: []string{"addcourse", "-name", "  ", "-teacher", "teacher"}, wantErrStr: "name: this field cannot be blank"},
		{name: "addcourse", args: []string{"addcourse", "-name", "Physics", "-teacher", "TEACHER@test.cd"}, wantOut: `course "Physics" created: `},

		{name: "enroll: no args", args: []string{"enroll", "-course", course.ID}, wantErr: errHelp},
		{name: "enroll: unknown course", args: []string{"enroll", "-course", "lol", "-student", "student"}, wantErr: user.ErrCourseNotFound},
		{name: "enroll: unknown student", args: []string{"enroll", "-course", course.ID, "-student", "lol"}, wantErr: user.ErrNotFound},
		{name: "enroll: not a student", args: []string{"enroll", "-course", course.ID, "-student", "teacher"}, wantErr: user.ErrNotStudent},
		{name: "enroll", args: []string{"enroll", "-course", course.ID, "-student", "student"}, wantOut: `"student" enrolled`},
		{name: "enroll twice", args: []string{"enroll", "-course", course.ID, "-student", "student"}, wantOut: `"student" enrolled`},
	})

	peers, err := cli.usrSvc.ListPeers(context.Background(), student)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, teacher.ID, peers[0].ID)
}

func Test_commandLine_issueToken(t *testing.T) {
	cli, out := setup(t)
	student := testutil.CreateUser(t, usrRepo, "Student", "student", "student@test.cd", []string{user.RoleStudent}, true)

	runCLITests(t, cli, out, []cliTest{
		{name: "no args", args: []string{"issuetoken"}, wantErr: errHelp},
		{name: "unknown user", args: []string{"issuetoken", "-username", "lol"}, wantErr: user.ErrNotFound},
	})

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "issuetoken", "-username", "student@test.cd"}))
	claims, err := echoapi.ParseToken(strings.TrimSpace(out.String()), cli.conf)
	require.NoError(t, err)
	assert.Equal(t, student.ID, claims.Subject)
	assert.True(t, claims.IsStudent)
	assert.False(t, claims.IsTeacher)
}

func Test_exitCode(t *testing.T) {
	cli, _ := setup(t)
	testutil.CreateUser(t, usrRepo, "Taken", "taken", "taken@test.cd", []string{user.RoleStudent}, true)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "invalid fields", args: []string{"adduser", "-username", "j-o", "-email", "lol", "-role", "teacher"}, want: 2},
		{name: "username taken", args: []string{"adduser", "-name", "Jo", "-username", "Taken", "-role", "student"}, want: 2},
		{name: "blank course name", args: []string{"addcourse", "-name", "  ", "-teacher", "taken"}, want: 2},
		{name: "unknown user", args: []string{"issuetoken", "-username", "lol"}, want: 1},
		{name: "unknown command", args: []string{"lol"}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(append([]string{"admin"}, tt.args...))
			require.Error(t, err)
			assert.Equal(t, tt.want, exitCode(err))
		})
	}
}
