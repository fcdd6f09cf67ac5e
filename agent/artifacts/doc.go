// 版权所有 2024 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 artifacts 保存用户随消息上传的附件，并签发带过期时间的下载链接。

上传（HTTP multipart 的 file 字段、Telegram 的文档或图片）经 Manager.Put
写入 Store，返回的 Upload.Reference() 以空格拼接到用户文本后交给智能体。
链接形如 {public_url}/api/v1/attachments/{id}?token=...，token 为 HS256 JWT，
subject 为附件 id，默认 7 天过期。

FileStore 将每个附件存为独立目录（data 与 metadata.json），并维护
index.json 索引。Manager.RunCleanup 定期删除超过保留期的附件。
*/
package artifacts
