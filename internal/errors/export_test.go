package errors

var defaultExit = exit
