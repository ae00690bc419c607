package config

import (
	"fmt"
	"strings"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentLoginKey returns the cache key holding the jti of a student's active login.
func (r *CacheKeyStruct) StudentLoginKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// ExamDefinitionKey returns the cache key for a (subject, class level) exam definition.
func (r *CacheKeyStruct) ExamDefinitionKey(subject, classLevel string) string {
	return fmt.Sprintf("exam:%s:%s:definition", strings.ToUpper(subject), strings.ToUpper(classLevel))
}

var CacheKey = NewCacheKeyStruct()
