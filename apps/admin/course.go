package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/user"
)

func (cli *commandLine) addCourse(name, teacherUname string) error {
	ctx := context.Background()
	teacher, err := cli.usrSvc.GetByUsernameOrEmail(ctx, teacherUname)
	if err != nil {
		return err
	}

	nc := user.NewCourse{Name: name, TeacherID: teacher.ID}
	if err = cli.validate.Struct(nc); err != nil {
		return err
	}
	course, err := cli.usrSvc.CreateCourse(ctx, nc)
	if err != nil {
		return errors.Wrap(err, "creating course")
	}
	_, _ = fmt.Fprintf(cli.out, "course %q created: %s\n", course.Name, course.ID)
	return nil
}

func (cli *commandLine) enroll(courseID, studentUname string) error {
	ctx := context.Background()
	student, err := cli.usrSvc.GetByUsernameOrEmail(ctx, studentUname)
	if err != nil {
		return err
	}
	if err = cli.usrSvc.Enroll(ctx, courseID, student.ID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "%q enrolled in course %s\n", student.Username, courseID)
	return nil
}
