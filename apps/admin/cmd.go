package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf       *core.Config
	db         *sqlx.DB
	usrSvc     *user.Service
	validate   *validator.Validate
	translator ut.Translator
	out        io.Writer
}

func (cli *commandLine) printUsage() {
	_, _ = fmt.Fprintln(cli.out, "Usage:")
	_, _ = fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose command (up, down, status, version, ...)")
	_, _ = fmt.Fprintln(cli.out, "  adduser -name NAME -username USERNAME [-email EMAIL] -role ROLE[,ROLE] - create a user")
	_, _ = fmt.Fprintln(cli.out, "  addcourse -name NAME -teacher USERNAME|EMAIL - create a course")
	_, _ = fmt.Fprintln(cli.out, "  enroll -course COURSE_ID -student USERNAME|EMAIL - enroll a student in a course")
	_, _ = fmt.Fprintln(cli.out, "  issuetoken -username USERNAME|EMAIL - print an API token for the user")
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func (cli *commandLine) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errHelp
		}
		return err
	}
	return nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := cli.newFlagSet("adduser")
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserUname := addUserCmd.String("username", "", "The user's username.")
	addUserEmail := addUserCmd.String("email", "", "The user's email, used for notifications.")
	addUserRoles := addUserCmd.String("role", "", "Comma separated roles: admin, teacher, student, parent or a full role like admin:principal.")

	addCourseCmd := cli.newFlagSet("addcourse")
	addCourseName := addCourseCmd.String("name", "", "The course's name.")
	addCourseTeacher := addCourseCmd.String("teacher", "", "The teacher's username or email.")

	enrollCmd := cli.newFlagSet("enroll")
	enrollCourse := enrollCmd.String("course", "", "The course's ID.")
	enrollStudent := enrollCmd.String("student", "", "The student's username or email.")

	issueTokenCmd := cli.newFlagSet("issuetoken")
	issueTokenUname := issueTokenCmd.String("username", "", "The user's username or email.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		if err := cli.parse(addUserCmd, args[2:]); err != nil {
			return err
		}
		if *addUserUname == "" || *addUserRoles == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(*addUserName, *addUserUname, *addUserEmail, parseRoles(*addUserRoles))

	case "addcourse":
		if err := cli.parse(addCourseCmd, args[2:]); err != nil {
			return err
		}
		if *addCourseName == "" || *addCourseTeacher == "" {
			addCourseCmd.Usage()
			return errHelp
		}
		return cli.addCourse(*addCourseName, *addCourseTeacher)

	case "enroll":
		if err := cli.parse(enrollCmd, args[2:]); err != nil {
			return err
		}
		if *enrollCourse == "" || *enrollStudent == "" {
			enrollCmd.Usage()
			return errHelp
		}
		return cli.enroll(*enrollCourse, *enrollStudent)

	case "issuetoken":
		if err := cli.parse(issueTokenCmd, args[2:]); err != nil {
			return err
		}
		if *issueTokenUname == "" {
			issueTokenCmd.Usage()
			return errHelp
		}
		return cli.issueToken(*issueTokenUname)

	default:
		cli.printUsage()
		return errHelp
	}
}

// parseRoles accepts short role names: "teacher" is user.RoleTeacher.
func parseRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		r = core.CleanString(r, true /* lower */)
		if r == "" {
			continue
		}
		if !strings.Contains(r, ":") {
			r += ":"
		}
		roles = append(roles, r)
	}
	return roles
}

// exitCode is 2 for input the command rejected, 1 for any other failure.
func exitCode(err error) int {
	if _, ok := pkgerrors.Cause(err).(validator.ValidationErrors); ok || core.IsValidationError(err) {
		return 2
	}
	return 1
}

// describe formats err for the terminal, listing the fields of validation errors.
func (cli *commandLine) describe(err error) string {
	var lines []string
	switch e := pkgerrors.Cause(err).(type) {
	case validator.ValidationErrors:
		for _, fe := range e {
			lines = append(lines, fe.Field()+": "+fe.Translate(cli.translator))
		}
	case *core.ValidationError:
		for _, fe := range e.Fields {
			lines = append(lines, fe.Field+": "+fe.Error)
		}
	}
	if len(lines) == 0 {
		return err.Error()
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
